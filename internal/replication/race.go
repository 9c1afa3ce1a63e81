package replication

import (
	"context"
	"errors"
	"sync"

	"spacesync/pkg/domain"
)

// layerResult is one layer's answer to a fanned-out call.
type layerResult[T any] struct {
	layer domain.PersistenceLayer
	val   T
	err   error
}

// fanIn calls fn for every layer concurrently and delivers results in
// completion order. The channel is buffered for every layer, so a consumer
// may stop reading after the first useful result without leaking senders;
// it is closed once every call returned.
func fanIn[T any](ctx context.Context, layers []domain.PersistenceLayer, fn func(context.Context, domain.PersistenceLayer) (T, error)) <-chan layerResult[T] {
	out := make(chan layerResult[T], len(layers))
	var wg sync.WaitGroup
	for _, l := range layers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := fn(ctx, l)
			out <- layerResult[T]{layer: l, val: v, err: err}
		}()
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// errNoLayers is reported by firstSuccess when no call was made at all.
var errNoLayers = errors.New("no layer to ask")

// firstSuccess returns the first successful result, or all errors when every
// call failed. An empty race fails with errNoLayers.
func firstSuccess[T any](results <-chan layerResult[T]) (layerResult[T], []error) {
	var errs []error
	for res := range results {
		if res.err == nil {
			return res, nil
		}
		errs = append(errs, &domain.LayerError{Layer: res.layer.ID(), Op: "race", Err: res.err})
	}
	if len(errs) == 0 {
		errs = append(errs, errNoLayers)
	}
	return layerResult[T]{}, errs
}
