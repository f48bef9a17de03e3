package fetch

import (
	"context"
	"sync/atomic"

	"Keyhold/internal/fetcherr"
	"Keyhold/internal/keys"
)

// getToken numbers fetches started by Get.
var getToken atomic.Uint64

// outcome is the single report of a blocking fetch.
type outcome struct {
	res *Result
	err *fetcherr.Error
}

// Get fetches key and blocks until it succeeds, fails, or ctx is done.
// When ctx ends first the fetch is cancelled and a CANCELLED error wrapping
// ctx.Err() is returned. The caller owns the result and must Free it.
func Get(ctx context.Context, key keys.ClientKey, cfg Config, env Env) (*Result, error) {
	done := make(chan outcome, 1)
	cb := CallbackFuncs{
		Success: func(res *Result, _ Token) { done <- outcome{res: res} },
		Failure: func(err *fetcherr.Error, _ Token) { done <- outcome{err: err} },
	}

	req := NewRequest()
	f := New(key, cfg, req, cb, Token(getToken.Add(1)), env)
	f.Start()

	select {
	case o := <-done:
		return o.result()
	case <-ctx.Done():
		req.Cancel()
	}

	o := <-done
	if o.err != nil && o.err.Mode == fetcherr.Cancelled {
		return nil, fetcherr.Wrap(fetcherr.Cancelled, ctx.Err())
	}

	return o.result()
}

// result converts o into Get's return values.
func (o outcome) result() (*Result, error) {
	if o.err != nil {
		return nil, o.err
	}

	return o.res, nil
}
