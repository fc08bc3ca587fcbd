package budget

import "fmt"

// ErrExceeded reports which run limit was breached. Kind is cost, tokens or
// time.
type ErrExceeded struct {
	Kind  string
	Usage string
	Limit string
}

func (e ErrExceeded) Error() string {
	if e.Limit == "" {
		return fmt.Sprintf("run %s budget exceeded (%s)", e.Kind, e.Usage)
	}
	return fmt.Sprintf("run %s budget exceeded: %s of %s", e.Kind, e.Usage, e.Limit)
}
