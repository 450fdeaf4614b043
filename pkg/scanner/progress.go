package scanner

import "context"

// Progress is told about every finished account.
type Progress interface {
	Report(ctx context.Context, done, total int, r Result) error
}

// ProgressFunc is a progress callback invoked inline.
type ProgressFunc func(done, total int, r Result)

// Report implements Progress.
func (f ProgressFunc) Report(_ context.Context, done, total int, r Result) error {
	f(done, total, r)
	return nil
}

// AwaitProgressFunc is an asynchronous progress callback. The scanner
// waits for the returned channel to yield or close before moving on to
// the next account. A nil channel is not waited on.
type AwaitProgressFunc func(ctx context.Context, done, total int, r Result) <-chan error

// Report implements Progress.
func (f AwaitProgressFunc) Report(ctx context.Context, done, total int, r Result) error {
	ch := f(ctx, done, total, r)
	if ch == nil {
		return nil
	}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
