//go:build property

package audit

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/clasperhq/clasper/pkg/store"
)

// Any sequence of appends yields a chain that verifies, with dense seqs and
// correct linkage, regardless of event content.
func TestChainIntegrityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30

	properties := gopter.NewProperties(parameters)

	properties.Property("appended chains always verify", prop.ForAll(
		func(events []string) bool {
			ctx := context.Background()
			db, err := store.Open(ctx, ":memory:", "")
			if err != nil {
				return false
			}
			defer func() { _ = db.Close() }()
			if err := store.Migrate(ctx, db); err != nil {
				return false
			}
			l := NewLog(db)

			for i, payload := range events {
				_, _, err := l.Append(ctx, "t1", "event", map[string]any{"i": i, "payload": payload}, "prop", nil)
				if err != nil {
					return false
				}
			}

			report, err := l.VerifyChain(ctx, "t1")
			if err != nil {
				return false
			}
			return report.OK && report.Entries == int64(len(events))
		},
		gen.SliceOf(gen.AnyString()),
	))

	properties.TestingRun(t)
}
