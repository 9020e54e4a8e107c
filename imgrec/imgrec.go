// Package imgrec contains an image recorder used to automatically save
// acquired frames to disk.
package imgrec

import (
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/astrogo/fitsio"
)

// Recorder records frames as FITS files with incrementing filenames in
// yyyy-mm-dd subfolders.  It is not thread safe; the worker is its only
// caller.
type Recorder struct {
	// counter is the internally incrementing counter
	counter int

	// Root is the root path
	Root string

	// Prefix is the prefix for the filenames
	Prefix string

	// timeFldr is the subfolder with yyyy-mm-dd format
	timeFldr string

	// Enabled lets consumers park the recorder without unwiring it
	Enabled bool
}

// NewRecorder returns an enabled recorder rooted at the given path
func NewRecorder(root, prefix string) *Recorder {
	return &Recorder{Root: root, Prefix: prefix, Enabled: true}
}

// updateFolder checks the current time and updates the folder name as needed
func (r *Recorder) updateFolder() {
	now := time.Now()
	y, m, d := now.Year(), now.Month(), now.Day()
	r.timeFldr = fmt.Sprintf("%04d-%02d-%02d", y, m, d)
}

// mkDir makes the dated folder and returns it
func (r *Recorder) mkDir() (string, error) {
	fldr := path.Join(r.Root, r.timeFldr)
	err := os.MkdirAll(fldr, 0777)
	return fldr, err
}

// SaveFrame writes one x by y frame as a FITS file and advances the
// filename counter.  A disabled recorder returns immediately.
func (r *Recorder) SaveFrame(data []uint16, x, y int) error {
	if !r.Enabled {
		return nil
	}
	if len(data) != x*y {
		return fmt.Errorf("imgrec: frame has %d samples, geometry wants %d", len(data), x*y)
	}
	r.updateFolder()
	fldr, err := r.mkDir()
	if err != nil {
		return err
	}
	fn := path.Join(fldr, fmt.Sprintf("%s%06d.fits", r.Prefix, r.counter))
	fid, err := os.Create(fn)
	if err != nil {
		return err
	}
	defer fid.Close()

	f, err := fitsio.Create(fid)
	if err != nil {
		return err
	}
	defer f.Close()

	img := fitsio.NewImage(32, []int{x, y})
	defer img.Close()
	pix := make([]int32, len(data))
	for i, v := range data {
		pix[i] = int32(v)
	}
	if err := img.Write(&pix); err != nil {
		return err
	}
	if err := f.Write(img); err != nil {
		return err
	}
	r.counter++
	return nil
}

// Incr updates the filename counter past existing files; it scans the
// folder to do so.  If there is an error, the counter is not changed.
func (r *Recorder) Incr() {
	r.updateFolder()
	dn, _ := r.mkDir()
	files, err := os.ReadDir(dn)
	if err != nil {
		return
	}
	count := -1
	for _, file := range files {
		// skip directories, non-fits, and wrong prefix
		if file.IsDir() {
			continue
		}
		fn := file.Name()
		if !strings.HasSuffix(fn, ".fits") || !strings.HasPrefix(fn, r.Prefix) {
			continue
		}
		bit := strings.TrimPrefix(fn, r.Prefix)
		bit = bit[:len(bit)-5] // pop .fits
		n, err := strconv.Atoi(bit)
		if err != nil {
			return
		}
		if count < n {
			count = n
		}
	}
	r.counter = count + 1
}
