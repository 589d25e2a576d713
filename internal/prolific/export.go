package prolific

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"golang.org/x/sync/errgroup"
)

// Export is the archived snapshot of a study.
type Export struct {
	Study       Study        `json:"study"`
	Submissions []Submission `json:"submissions"`
	ExportedAt  string       `json:"exported_at"`
}

// ExportStudy fetches the study and its submissions and writes them as indented JSON.
func ExportStudy(ctx context.Context, api API, studyID string, now time.Time, w io.Writer) (Export, error) {
	var out Export
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		out.Study, err = api.GetStudy(gctx, studyID)
		return err
	})
	g.Go(func() error {
		var err error
		out.Submissions, err = api.ListSubmissions(gctx, studyID)
		return err
	})
	if err := g.Wait(); err != nil {
		return Export{}, err
	}
	if out.Submissions == nil {
		out.Submissions = []Submission{}
	}
	out.ExportedAt = now.UTC().Format(time.RFC3339)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return out, enc.Encode(out)
}
