package platform

type Op string

const (
	OpEq  Op = "eq"
	OpNeq Op = "neq"
	OpLt  Op = "lt"
	OpLte Op = "lte"
	OpGt  Op = "gt"
	OpGte Op = "gte"
	OpIn  Op = "in"
	OpIs  Op = "is"
)

// Cond is either a column comparison or, when Any is set, a disjunction of
// conjunctions. A slice of Cond is always ANDed.
type Cond struct {
	Column string
	Op     Op
	Value  any
	Any    [][]Cond
}

func (c Cond) IsOr() bool {
	return len(c.Any) > 0
}

func Eq(column string, value any) Cond  { return Cond{Column: column, Op: OpEq, Value: value} }
func Neq(column string, value any) Cond { return Cond{Column: column, Op: OpNeq, Value: value} }
func Lt(column string, value any) Cond  { return Cond{Column: column, Op: OpLt, Value: value} }
func Lte(column string, value any) Cond { return Cond{Column: column, Op: OpLte, Value: value} }
func Gt(column string, value any) Cond  { return Cond{Column: column, Op: OpGt, Value: value} }
func Gte(column string, value any) Cond { return Cond{Column: column, Op: OpGte, Value: value} }
func Is(column string, value any) Cond  { return Cond{Column: column, Op: OpIs, Value: value} }

func In[T any](column string, values ...T) Cond {
	list := make([]any, 0, len(values))
	for _, value := range values {
		list = append(list, value)
	}
	return Cond{Column: column, Op: OpIn, Value: list}
}

func Or(groups ...[]Cond) Cond {
	return Cond{Any: groups}
}

func And(conds ...Cond) []Cond {
	return conds
}

type Order struct {
	Column     string
	Descending bool
}

func Asc(column string) Order  { return Order{Column: column} }
func Desc(column string) Order { return Order{Column: column, Descending: true} }

type Query struct {
	Table   string
	Columns string
	Where   []Cond
	Order   []Order
	Limit   int
}

func From(table string) Query {
	return Query{Table: table, Columns: "*"}
}

func (q Query) Select(columns string) Query {
	q.Columns = columns
	return q
}

func (q Query) Filter(conds ...Cond) Query {
	where := make([]Cond, 0, len(q.Where)+len(conds))
	where = append(where, q.Where...)
	where = append(where, conds...)
	q.Where = where
	return q
}

func (q Query) OrderBy(orders ...Order) Query {
	next := make([]Order, 0, len(q.Order)+len(orders))
	next = append(next, q.Order...)
	next = append(next, orders...)
	q.Order = next
	return q
}

func (q Query) Take(limit int) Query {
	q.Limit = limit
	return q
}

// Between matches rows exchanged in either direction between two users.
func Between(fromColumn, toColumn, a, b string) Cond {
	return Or(
		And(Eq(fromColumn, a), Eq(toColumn, b)),
		And(Eq(fromColumn, b), Eq(toColumn, a)),
	)
}
