package core

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/hdashnow/bpipe/bpipelog"
)

// OutputMeta is one record describing how an output file was produced
// (§3). Fields below "computed-only" are never persisted; they are filled
// in by the DependencyGraph during a staleness pass.
type OutputMeta struct {
	OutputFile  string
	OutputPath  string
	Inputs      []string
	Command     string
	Fingerprint string
	Timestamp   int64
	Preserve    bool
	Cleaned     bool

	// computed-only
	UpToDate     bool
	MaxTimestamp int64

	// propertyFile is the filename this record was read from/will be
	// written to under the metadata directory. Empty for a record that
	// hasn't been saved yet; Save fills it in from OutputPath.
	propertyFile string
}

// normalizedPath converts path separators to forward slashes so metadata
// records are portable across platforms, matching spec §3's
// "normalised forward-slash path".
func normalizedPath(p string) string {
	return filepath.ToSlash(p)
}

func propertyFileFor(outputPath string) string {
	// Metadata files live flat under outputs/; slashes in the output path
	// would otherwise collide with directory separators.
	replaced := strings.ReplaceAll(normalizedPath(outputPath), "/", "__")
	return replaced + ".meta"
}

// OutputMetaStore reads and writes OutputMeta records under
// <workdir>/.bpipe/outputs/ (§6).
type OutputMetaStore struct {
	Dir string
}

// NewOutputMetaStore returns a store rooted at workdir's metadata
// directory, creating it if necessary.
func NewOutputMetaStore(workdir string) (*OutputMetaStore, error) {
	dir := filepath.Join(workdir, ".bpipe", "outputs")
	if err := os.MkdirAll(dir, 0777); err != nil {
		return nil, err
	}
	return &OutputMetaStore{Dir: dir}, nil
}

// Scan reads every record under the metadata directory, sorted ascending by
// timestamp (§4.1). A malformed or unreadable record is a fatal error
// naming the offending file.
func (s *OutputMetaStore) Scan() ([]*OutputMeta, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("scanning output metadata directory %s: %w", s.Dir, err)
	}
	metas := make([]*OutputMeta, 0, len(entries))
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".meta") {
			continue
		}
		m, err := s.readFile(filepath.Join(s.Dir, ent.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading output metadata %s: %w", ent.Name(), err)
		}
		metas = append(metas, m)
	}
	sort.SliceStable(metas, func(i, j int) bool {
		return metas[i].Timestamp < metas[j].Timestamp
	})
	return metas, nil
}

// Read parses a single record by output path. If the underlying output
// file exists on disk its mtime overrides the persisted timestamp, since
// the filesystem is authoritative while the file is present (§4.1).
func (s *OutputMetaStore) Read(outputPath string) (*OutputMeta, error) {
	m, err := s.parseFile(filepath.Join(s.Dir, propertyFileFor(outputPath)))
	if err != nil {
		return nil, err
	}
	if info, statErr := os.Stat(m.OutputFile); statErr == nil {
		m.Timestamp = info.ModTime().UnixMilli()
	}
	return m, nil
}

// ReadStored parses a single record by output path without refreshing its
// timestamp from the filesystem, returning exactly what was last persisted.
// Callers deciding "did this run actually change the output" (§4.5 rule 2)
// need this rather than Read, whose mtime override would otherwise make
// that comparison tautological.
func (s *OutputMetaStore) ReadStored(outputPath string) (*OutputMeta, error) {
	return s.parseFile(filepath.Join(s.Dir, propertyFileFor(outputPath)))
}

// Exists reports whether a metadata record for outputPath has been saved.
func (s *OutputMetaStore) Exists(outputPath string) bool {
	_, err := os.Stat(filepath.Join(s.Dir, propertyFileFor(outputPath)))
	return err == nil
}

func (s *OutputMetaStore) readFile(path string) (*OutputMeta, error) {
	m, err := s.parseFile(path)
	if err != nil {
		return nil, err
	}
	if info, statErr := os.Stat(m.OutputFile); statErr == nil {
		m.Timestamp = info.ModTime().UnixMilli()
	}
	return m, nil
}

// parseFile reads a metadata record exactly as persisted, with no
// filesystem-mtime override.
func (s *OutputMetaStore) parseFile(path string) (*OutputMeta, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m := &OutputMeta{propertyFile: filepath.Base(path)}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("malformed metadata line in %s: %q", path, line)
		}
		switch key {
		case "outputFile":
			m.OutputFile = value
		case "outputPath":
			m.OutputPath = value
		case "inputs":
			if value != "" {
				m.Inputs = strings.Split(value, ",")
			}
		case "command":
			m.Command = value
		case "fingerprint":
			m.Fingerprint = value
		case "timestamp":
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("malformed timestamp in %s: %q", path, value)
			}
			m.Timestamp = ts
		case "preserve":
			m.Preserve = value == "true"
		case "cleaned":
			m.Cleaned = value == "true"
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if m.OutputFile == "" {
		return nil, fmt.Errorf("metadata record %s has no outputFile", path)
	}
	return m, nil
}

// Save atomically writes meta, normalizing booleans, lists and timestamps
// and stripping computed-only fields (§4.1).
func (s *OutputMetaStore) Save(meta *OutputMeta) error {
	if meta.OutputFile == "" {
		return fmt.Errorf("cannot save output metadata with empty outputFile")
	}
	if meta.OutputPath == "" {
		meta.OutputPath = normalizedPath(meta.OutputFile)
	}
	propertyFile := propertyFileFor(meta.OutputPath)
	dest := filepath.Join(s.Dir, propertyFile)

	var b strings.Builder
	b.WriteString("# bpipe output metadata\n")
	fmt.Fprintf(&b, "outputFile=%s\n", meta.OutputFile)
	fmt.Fprintf(&b, "outputPath=%s\n", meta.OutputPath)
	fmt.Fprintf(&b, "inputs=%s\n", strings.Join(meta.Inputs, ","))
	fmt.Fprintf(&b, "command=%s\n", meta.Command)
	fmt.Fprintf(&b, "fingerprint=%s\n", meta.Fingerprint)
	fmt.Fprintf(&b, "timestamp=%s\n", strconv.FormatInt(meta.Timestamp, 10))
	fmt.Fprintf(&b, "preserve=%s\n", strconv.FormatBool(meta.Preserve))
	fmt.Fprintf(&b, "cleaned=%s\n", strconv.FormatBool(meta.Cleaned))

	tmp := dest + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0666); err != nil {
		return err
	}
	if err := os.Rename(tmp, dest); err != nil {
		return err
	}
	meta.propertyFile = propertyFile
	bpipelog.For("metastore").Debug().
		Str("output", meta.OutputFile).
		Str("fingerprint", meta.Fingerprint).
		Msg("saved output metadata")
	return nil
}
