package clientfactory

// Opt is a value whose presence is tracked explicitly. The zero Opt is unset.
type Opt[T any] struct {
	value T
	set   bool
}

// Some returns an Opt holding v.
func Some[T any](v T) Opt[T] {
	return Opt[T]{value: v, set: true}
}

func (o Opt[T]) Get() (T, bool) {
	return o.value, o.set
}

func (o Opt[T]) IsSet() bool {
	return o.set
}

// Or returns the held value or def when unset.
func (o Opt[T]) Or(def T) T {
	if o.set {
		return o.value
	}
	return def
}
