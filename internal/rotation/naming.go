package rotation

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// invalidNameChars are rejected by at least one common filesystem
const invalidNameChars = `<>:"|?*`

// CleanPath replaces characters that are not allowed in file names with '_'.
// Path separators and a leading volume name are kept.
func CleanPath(p string) string {
	vol := filepath.VolumeName(p)
	rest := p[len(vol):]

	var b strings.Builder
	b.Grow(len(p))
	b.WriteString(vol)
	for _, r := range rest {
		switch {
		case r == filepath.Separator || r == '/':
			b.WriteRune(r)
		case r < 0x20 || strings.ContainsRune(invalidNameChars, r):
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ArchiveFile is one retired copy of the active file
type ArchiveFile struct {
	Path     string
	Sequence int       // suffix for sequence and rolling numbering, -1 otherwise
	Date     time.Time // embedded date for date numbering
	Size     int64
	Created  time.Time
}

// names splits the active path into the parts archive names are built from
type names struct {
	dir        string // directory holding archives
	base       string // file name without extension
	ext        string
	dateFormat string
}

func newNames(path string, cfg Config) names {
	dir := filepath.Dir(path)
	if cfg.ArchiveDir != "" {
		if filepath.IsAbs(cfg.ArchiveDir) {
			dir = cfg.ArchiveDir
		} else {
			dir = filepath.Join(dir, cfg.ArchiveDir)
		}
	}
	file := filepath.Base(path)
	ext := filepath.Ext(file)
	return names{
		dir:        dir,
		base:       strings.TrimSuffix(file, ext),
		ext:        ext,
		dateFormat: cfg.DateFormat,
	}
}

func (n names) sequence(seq int) string {
	return filepath.Join(n.dir, fmt.Sprintf("%s.%04d%s", n.base, seq, n.ext))
}

func (n names) date(t time.Time) string {
	return filepath.Join(n.dir, fmt.Sprintf("%s.%s%s", n.base, t.Format(n.dateFormat), n.ext))
}

// token extracts the numbering part of an archive file name, or "" when the
// name does not belong to this archive set
func (n names) token(fileName string) string {
	prefix := n.base + "."
	if !strings.HasPrefix(fileName, prefix) || !strings.HasSuffix(fileName, n.ext) {
		return ""
	}
	if len(fileName) <= len(prefix)+len(n.ext) {
		return ""
	}
	return fileName[len(prefix) : len(fileName)-len(n.ext)]
}

// scan lists the archive files of one numbering mode, unsorted
func (n names) scan(numbering Numbering) ([]ArchiveFile, error) {
	entries, err := os.ReadDir(n.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read archive dir: %w", err)
	}

	var out []ArchiveFile
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		tok := n.token(de.Name())
		if tok == "" {
			continue
		}

		af := ArchiveFile{Path: filepath.Join(n.dir, de.Name()), Sequence: -1}
		switch numbering {
		case NumberingDate:
			t, err := time.ParseInLocation(n.dateFormat, tok, time.Local)
			if err != nil {
				continue
			}
			af.Date = t
		default:
			seq, err := strconv.Atoi(tok)
			if err != nil || seq < 0 {
				continue
			}
			af.Sequence = seq
		}

		info, err := de.Info()
		if err != nil {
			continue // removed meanwhile
		}
		af.Size = info.Size()
		af.Created = info.ModTime()
		out = append(out, af)
	}
	return out, nil
}

func fileExists(p string) (bool, error) {
	_, err := os.Stat(p)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat file: %w", err)
}
