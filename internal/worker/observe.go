package worker

// Observer receives every tick result of a loop.
type Observer func(Result)

func (o Observer) Notify(r Result) {
	if o != nil {
		o(r)
	}
}
