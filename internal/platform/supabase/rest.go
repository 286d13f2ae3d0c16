package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/supabase-community/postgrest-go"

	"loftyeyes/internal/platform"
)

// rest returns a PostgREST client for one call, acting as the client's user.
func (c *Client) rest(ex *exchange) *postgrest.Client {
	pg := postgrest.NewClient(c.backend.restURL, "public", nil)
	pg.SetApiKey(c.backend.cfg.AnonKey).SetAuthToken(c.bearer())
	pg.Transport.Parent = ex
	return pg
}

func (c *Client) bearer() string {
	if token := c.AccessToken(); token != "" {
		return token
	}
	return c.backend.cfg.AnonKey
}

func (c *Client) Select(ctx context.Context, query platform.Query) (platform.Rows, error) {
	if query.Table == "" {
		return nil, errors.New("select: table is required")
	}
	ex, cancel := c.backend.exchange(ctx)
	defer cancel()

	builder := c.rest(ex).From(query.Table).Select(query.Columns, "", false)
	if err := applyWhere(builder, query.Where); err != nil {
		return nil, fmt.Errorf("select %s: %w", query.Table, err)
	}
	for _, order := range query.Order {
		builder.Order(order.Column, &postgrest.OrderOpts{Ascending: !order.Descending})
	}
	if query.Limit > 0 {
		builder.Limit(query.Limit, "")
	}
	payload, _, err := builder.Execute()
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", query.Table, ex.fail(err))
	}
	return platform.Rows(payload), nil
}

func (c *Client) Insert(ctx context.Context, table string, rows any) (platform.Rows, error) {
	body, err := json.Marshal(rows)
	if err != nil {
		return nil, fmt.Errorf("insert %s: encode rows: %w", table, err)
	}
	ex, cancel := c.backend.exchange(ctx)
	defer cancel()

	payload, _, err := c.rest(ex).From(table).
		Insert(json.RawMessage(body), false, "", "representation", "").
		Execute()
	if err != nil {
		return nil, fmt.Errorf("insert %s: %w", table, ex.fail(err))
	}
	return platform.Rows(payload), nil
}

func (c *Client) Update(ctx context.Context, table string, patch any, where []platform.Cond) (platform.Rows, error) {
	if len(where) == 0 {
		return nil, fmt.Errorf("update %s: refusing to update without a filter", table)
	}
	body, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("update %s: encode patch: %w", table, err)
	}
	ex, cancel := c.backend.exchange(ctx)
	defer cancel()

	builder := c.rest(ex).From(table).Update(json.RawMessage(body), "representation", "")
	if err := applyWhere(builder, where); err != nil {
		return nil, fmt.Errorf("update %s: %w", table, err)
	}
	payload, _, err := builder.Execute()
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", table, ex.fail(err))
	}
	return platform.Rows(payload), nil
}

func (c *Client) Upsert(ctx context.Context, table string, rows any, onConflict ...string) (platform.Rows, error) {
	body, err := json.Marshal(rows)
	if err != nil {
		return nil, fmt.Errorf("upsert %s: encode rows: %w", table, err)
	}
	ex, cancel := c.backend.exchange(ctx)
	defer cancel()

	payload, _, err := c.rest(ex).From(table).
		Upsert(json.RawMessage(body), strings.Join(onConflict, ","), "representation", "").
		Execute()
	if err != nil {
		return nil, fmt.Errorf("upsert %s: %w", table, ex.fail(err))
	}
	return platform.Rows(payload), nil
}

// applyWhere adds a filter tree to builder. The builder keeps one parameter
// per column, so repeated columns and extra disjunctions are folded into a
// single and=(...) parameter.
func applyWhere(builder *postgrest.FilterBuilder, where []platform.Cond) error {
	params, err := encodeWhere(where)
	if err != nil {
		return err
	}
	var extra []string
	for _, param := range params {
		switch {
		case param.inline != "":
			extra = append(extra, param.inline)
		case param.key == "or":
			builder.Or(param.value, "")
		default:
			op, value, _ := strings.Cut(param.value, ".")
			builder.Filter(param.key, op, value)
		}
	}
	if len(extra) > 0 {
		builder.And(strings.Join(extra, ","), "")
	}
	return nil
}

// whereParam is one query parameter of a filter. inline is set instead when
// the parameter would collide with an earlier one.
type whereParam struct {
	key    string
	value  string
	inline string
}

// encodeWhere renders a filter tree in PostgREST's query-string grammar.
func encodeWhere(where []platform.Cond) ([]whereParam, error) {
	params := make([]whereParam, 0, len(where))
	seen := map[string]bool{}
	for _, cond := range where {
		if cond.IsOr() {
			groups, err := encodeGroups(cond.Any)
			if err != nil {
				return nil, err
			}
			if seen["or"] {
				params = append(params, whereParam{key: "or", inline: "or(" + groups + ")"})
				continue
			}
			seen["or"] = true
			params = append(params, whereParam{key: "or", value: groups})
			continue
		}
		if cond.Column == "" {
			return nil, errors.New("filter without column")
		}
		if seen[cond.Column] || cond.Column == "and" || cond.Column == "or" {
			inline, err := encodeInline(cond)
			if err != nil {
				return nil, err
			}
			params = append(params, whereParam{key: cond.Column, inline: inline})
			continue
		}
		value, err := encodeOperand(cond, false)
		if err != nil {
			return nil, err
		}
		seen[cond.Column] = true
		params = append(params, whereParam{key: cond.Column, value: string(cond.Op) + "." + value})
	}
	return params, nil
}

func encodeGroups(groups [][]platform.Cond) (string, error) {
	parts := make([]string, 0, len(groups))
	for _, group := range groups {
		switch len(group) {
		case 0:
			continue
		case 1:
			part, err := encodeInline(group[0])
			if err != nil {
				return "", err
			}
			parts = append(parts, part)
		default:
			inner := make([]string, 0, len(group))
			for _, cond := range group {
				part, err := encodeInline(cond)
				if err != nil {
					return "", err
				}
				inner = append(inner, part)
			}
			parts = append(parts, "and("+strings.Join(inner, ",")+")")
		}
	}
	if len(parts) == 0 {
		return "", errors.New("empty or filter")
	}
	return strings.Join(parts, ","), nil
}

func encodeInline(cond platform.Cond) (string, error) {
	if cond.IsOr() {
		groups, err := encodeGroups(cond.Any)
		if err != nil {
			return "", err
		}
		return "or(" + groups + ")", nil
	}
	if cond.Column == "" {
		return "", errors.New("filter without column")
	}
	value, err := encodeOperand(cond, true)
	if err != nil {
		return "", err
	}
	return cond.Column + "." + string(cond.Op) + "." + value, nil
}

func encodeOperand(cond platform.Cond, inline bool) (string, error) {
	switch cond.Op {
	case platform.OpIn:
		values, ok := cond.Value.([]any)
		if !ok {
			return "", fmt.Errorf("in filter on %s needs a list", cond.Column)
		}
		parts := make([]string, 0, len(values))
		for _, value := range values {
			parts = append(parts, quoteReserved(formatValue(value)))
		}
		return "(" + strings.Join(parts, ",") + ")", nil
	case platform.OpIs:
		switch cond.Value {
		case nil:
			return "null", nil
		case true:
			return "true", nil
		case false:
			return "false", nil
		}
		return "", fmt.Errorf("is filter on %s only accepts null or booleans", cond.Column)
	case platform.OpEq, platform.OpNeq, platform.OpLt, platform.OpLte, platform.OpGt, platform.OpGte:
		value := formatValue(cond.Value)
		if inline {
			value = quoteReserved(value)
		}
		return value, nil
	}
	return "", fmt.Errorf("unsupported operator %q", cond.Op)
}

func formatValue(value any) string {
	switch typed := value.(type) {
	case nil:
		return "null"
	case string:
		return typed
	case time.Time:
		return typed.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return typed.String()
	}
	return fmt.Sprint(value)
}

// quoteReserved wraps values containing PostgREST delimiters in double quotes.
func quoteReserved(value string) string {
	if !strings.ContainsAny(value, ",.:()\" ") {
		return value
	}
	escaped := strings.ReplaceAll(value, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `"`, `\"`)
	return `"` + escaped + `"`
}
