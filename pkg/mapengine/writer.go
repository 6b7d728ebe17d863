package mapengine

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zlib"

	"github.com/fogsync/fogsync/pkg/archive"
)

// archiveVersion is the container format version written by this build.
const archiveVersion = 1

type archiveMetadata struct {
	Version  int                  `json:"version"`
	Journeys []archiveJourneyMeta `json:"journeys"`
}

// WriteArchive writes the consolidated archive container: a ZIP holding
// a metadata document plus one zlib-compressed bitmap per journey,
// named journeys/NNNNN.bin in metadata order.
func (e *Engine) WriteArchive(ctx context.Context, journeys []archive.Journey, w io.Writer) error {
	zw := zip.NewWriter(w)

	meta := archiveMetadata{
		Version:  archiveVersion,
		Journeys: make([]archiveJourneyMeta, 0, len(journeys)),
	}
	for _, j := range journeys {
		meta.Journeys = append(meta.Journeys, archiveJourneyMeta{
			Date:    j.Date,
			EndTime: j.EndTime.UTC().Format(time.RFC3339),
			Note:    j.Note,
		})
	}
	mw, err := zw.Create("metadata.json")
	if err != nil {
		return err
	}
	if err := json.NewEncoder(mw).Encode(meta); err != nil {
		return err
	}

	for i, j := range journeys {
		if err := ctx.Err(); err != nil {
			return err
		}
		fw, err := zw.Create(fmt.Sprintf("journeys/%05d.bin", i))
		if err != nil {
			return err
		}
		cw := zlib.NewWriter(fw)
		if _, err := cw.Write(encodeBitmap(j.Bitmap)); err != nil {
			return err
		}
		if err := cw.Close(); err != nil {
			return err
		}
	}
	return zw.Close()
}
