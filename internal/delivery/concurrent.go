package delivery

import (
	"context"

	"golang.org/x/sync/errgroup"

	"pkt.systems/endpointd/internal/work"
)

func deliverAll(ctx context.Context, d *Dispatcher, reqs []Request) ([]Receipt, error) {
	receipts := make([]Receipt, len(reqs))
	// A failing delivery must not cancel its siblings, so the group
	// context is not handed to them.
	var g errgroup.Group
	for i := range reqs {
		req := reqs[i]
		if req.Mode == work.ModeNoWork {
			req.Mode = work.ModeDoWork
		}
		g.Go(func() error {
			receipt, err := d.Deliver(ctx, req)
			receipts[i] = receipt
			return err
		})
	}
	err := g.Wait()
	return receipts, err
}
