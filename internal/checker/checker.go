// Package checker verifies the internal consistency of an archive: every
// stored block must match its digest, every committed band must carry a
// decodable manifest, and every block a manifest references must exist.
package checker

import (
	"context"
	"fmt"

	"github.com/strata-backup/strata/internal/archive"
	"github.com/strata-backup/strata/internal/strata"
)

// Stats summarizes a completed check.
type Stats struct {
	Blocks    uint // blocks read and verified
	Bands     uint // committed bands checked
	OpenBands uint // leftover uncommitted bands found
}

// Checker verifies one archive.
type Checker struct {
	arch *archive.Archive

	// Report is called once per problem found. The check continues after
	// problems so one corrupt block does not hide another.
	Report func(err error)

	stats  Stats
	broken bool
}

// New returns a Checker for arch.
func New(arch *archive.Archive) *Checker {
	return &Checker{
		arch:   arch,
		Report: func(error) {},
	}
}

// Check runs all verifications. It returns the stats and whether the archive
// is fully intact.
func (c *Checker) Check(ctx context.Context) (Stats, bool, error) {
	if err := c.checkBlocks(ctx); err != nil {
		return c.stats, false, err
	}

	if err := c.checkBands(ctx); err != nil {
		return c.stats, false, err
	}

	return c.stats, !c.broken, nil
}

func (c *Checker) problem(err error) {
	c.broken = true
	c.Report(err)
}

// checkBlocks reads back every stored block. Get verifies the digest, so a
// successful read is a verified block.
func (c *Checker) checkBlocks(ctx context.Context) error {
	return c.arch.Blocks().List(ctx, func(id strata.ID) error {
		if _, err := c.arch.Blocks().Get(ctx, id); err != nil {
			c.problem(err)
			return nil
		}

		c.stats.Blocks++
		return nil
	})
}

// checkBands decodes every committed band's manifest and checks that all
// referenced blocks are present. It also counts open bands, the leftovers of
// interrupted runs, which are reported but are not corruption.
func (c *Checker) checkBands(ctx context.Context) error {
	bands, err := c.arch.ListBands()
	if err != nil {
		return err
	}

	for _, n := range bands {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		band, err := c.arch.OpenBand(n)
		if err != nil {
			c.problem(err)
			continue
		}

		entries, err := band.Manifest()
		if err != nil {
			c.problem(fmt.Errorf("band %v: %w", n, err))
			continue
		}

		for _, e := range entries {
			for _, id := range e.Blocks {
				ok, err := c.arch.Blocks().Contains(id)
				if err != nil {
					return err
				}
				if !ok {
					c.problem(fmt.Errorf("band %v: %v references missing block %v", n, e.Path, id.String()))
				}
			}
		}

		c.stats.Bands++
	}

	open, err := c.arch.ListOpenBands()
	if err != nil {
		return err
	}
	c.stats.OpenBands = uint(len(open))

	return nil
}
