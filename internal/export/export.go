// Package export packages a finished session's results into a single ZIP for
// download. The archive is produced from the in-memory result only; it never
// exists in partial form.
package export

import (
	"archive/zip"
	"fmt"
	"io"
	"time"

	"github.com/mvaldez/elicit/internal/catalog"
	"github.com/mvaldez/elicit/internal/results"
)

// BundleName is the download filename for a participant's archive. The id is
// sanitized: it ends up in a Content-Disposition header and on disk.
func BundleName(participantID string) string {
	return fmt.Sprintf("session_%s.zip", catalog.SafeID(participantID))
}

// WriteZip streams the result bundle to w: the trial CSV first, then every
// per-trial recording. Entries carry a fixed timestamp so re-exporting the
// same session yields byte-identical archives.
func WriteZip(w io.Writer, res *results.Result) error {
	zw := zip.NewWriter(w)
	stamp := time.Unix(0, 0).UTC()

	add := func(name string, data []byte) error {
		fw, err := zw.CreateHeader(&zip.FileHeader{
			Name:     name,
			Method:   zip.Deflate,
			Modified: stamp,
		})
		if err != nil {
			return fmt.Errorf("export: create %s: %w", name, err)
		}
		if _, err := fw.Write(data); err != nil {
			return fmt.Errorf("export: write %s: %w", name, err)
		}
		return nil
	}

	if err := add(res.CSVName, res.CSV); err != nil {
		return err
	}
	for _, rec := range res.Recordings {
		if err := add(rec.Name, rec.Data); err != nil {
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("export: close archive: %w", err)
	}
	return nil
}
