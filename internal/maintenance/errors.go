package maintenance

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tendant/face-index-pipeline/internal/metadata"
)

// ErrInvalidOptions is returned by NewSweeper for out-of-range options
var ErrInvalidOptions = errors.New("invalid maintenance options")

// UnprocessedError is returned when a batch delete still has unprocessed
// items after the last attempt. Keys names every item left behind.
type UnprocessedError struct {
	Table    string
	Keys     []metadata.Key
	Attempts int
}

func (e *UnprocessedError) Error() string {
	names := make([]string, 0, len(e.Keys))
	for _, k := range e.Keys {
		names = append(names, "{"+k.String()+"}")
	}
	return fmt.Sprintf("%d items still unprocessed in %s after %d attempts: %s",
		len(e.Keys), e.Table, e.Attempts, strings.Join(names, " "))
}
