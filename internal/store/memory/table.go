package memory

// table keeps rows by id in insertion order.
type table[T any] struct {
	rows map[string]*T
	ids  []string
}

func newTable[T any]() *table[T] {
	return &table[T]{rows: make(map[string]*T)}
}

func (t *table[T]) get(id string) (*T, bool) {
	v, ok := t.rows[id]
	return v, ok
}

func (t *table[T]) insert(id string, v *T) {
	t.rows[id] = v
	t.ids = append(t.ids, id)
}

// dropLast undoes the most recent insert
func (t *table[T]) dropLast() {
	if len(t.ids) == 0 {
		return
	}
	id := t.ids[len(t.ids)-1]
	t.ids = t.ids[:len(t.ids)-1]
	delete(t.rows, id)
}

func (t *table[T]) each(fn func(v *T)) {
	for _, id := range t.ids {
		fn(t.rows[id])
	}
}

func clone[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
