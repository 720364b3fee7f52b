// Command btree inspects and maintains SQLite-format database files with
// the btreedb engine.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/ulikunitz/xz"

	"github.com/FocuswithJustin/btreedb/core/btree"
	"github.com/FocuswithJustin/btreedb/core/errors"
	"github.com/FocuswithJustin/btreedb/core/pager"
	"github.com/FocuswithJustin/btreedb/core/sqlite"
	"github.com/FocuswithJustin/btreedb/core/xml"
	"github.com/FocuswithJustin/btreedb/internal/config"
	"github.com/FocuswithJustin/btreedb/internal/logging"
	"github.com/FocuswithJustin/btreedb/internal/script"
)

const version = "0.4.0"

// CLI defines the command-line interface for btree.
var CLI struct {
	// Global flags
	Config    string `name:"config" short:"c" help:"JSON configuration file" type:"path"`
	LogLevel  string `name:"log-level" help:"Log level (debug, info, warn, error)"`
	LogFormat string `name:"log-format" help:"Log format (json, text)"`

	Info    InfoCmd    `cmd:"" help:"Print the file header and the trees it holds"`
	Check   CheckCmd   `cmd:"" help:"Run an integrity check"`
	Analyze AnalyzeCmd `cmd:"" help:"Report page use per tree"`
	Dump    DumpCmd    `cmd:"" help:"List the entries of one tree"`
	Vacuum  VacuumCmd  `cmd:"" help:"Run incremental vacuum"`
	Backup  BackupCmd  `cmd:"" help:"Copy the file, optionally xz-compressed, or restore a copy"`
	Exec    ExecCmd    `cmd:"" help:"Run a script against the file"`
	Version VersionCmd `cmd:"" help:"Print version information"`
}

// stdout receives command output.
var stdout io.Writer = os.Stdout

// loadConfig builds the configuration from the config file, the
// environment and the global flags, and starts logging.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if CLI.Config != "" {
		var err error
		if cfg, err = config.Load(CLI.Config); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if CLI.LogLevel != "" {
		cfg.LogLevel = strings.ToLower(CLI.LogLevel)
	}
	if CLI.LogFormat != "" {
		cfg.LogFormat = strings.ToLower(CLI.LogFormat)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.InitLogging()
	return cfg, nil
}

// openDB opens path with the configured options.
func openDB(path string, readOnly bool) (*btree.Btree, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	opts := cfg.Options()
	opts.ReadOnly = opts.ReadOnly || readOnly
	db, err := btree.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return db, nil
}

// fileInfo collects the file attributes the reports carry.
func fileInfo(db *btree.Btree, path string) (xml.FileInfo, error) {
	if err := db.BeginTrans(btree.BeginRead); err != nil {
		return xml.FileInfo{}, err
	}
	defer func() { _ = db.CommitPhaseTwo() }()
	free, err := db.GetMeta(btree.MetaFreePageCount)
	if err != nil {
		return xml.FileInfo{}, err
	}
	return xml.FileInfo{
		Path:       path,
		PageSize:   db.GetPageSize(),
		Pages:      db.PageCount(),
		FreePages:  free,
		AutoVacuum: db.GetAutoVacuum(),
	}, nil
}

func treeLabel(e schemaEntry) string {
	return e.Type + " " + e.Name
}

// InfoCmd prints the header fields.
type InfoCmd struct {
	File string `arg:"" help:"Database file" type:"existingfile"`
}

func (c *InfoCmd) Run() error {
	f, err := os.Open(c.File)
	if err != nil {
		return errors.NewIO("open", c.File, err)
	}
	raw := make([]byte, pager.DatabaseHeaderSize)
	_, err = io.ReadFull(f, raw)
	f.Close()
	if err != nil {
		return errors.NewIO("read", c.File, err)
	}
	hdr, err := pager.ParseDatabaseHeader(raw)
	if err != nil {
		return err
	}
	if err := hdr.Validate(); err != nil {
		return err
	}

	autoVacuum := btree.AutoVacuumNone
	if hdr.LargestRootPage != 0 {
		autoVacuum = btree.AutoVacuumFull
		if hdr.IncrementalVacuum != 0 {
			autoVacuum = btree.AutoVacuumIncremental
		}
	}
	encodings := map[uint32]string{
		pager.EncodingUTF8:    "UTF-8",
		pager.EncodingUTF16LE: "UTF-16le",
		pager.EncodingUTF16BE: "UTF-16be",
	}
	encoding := encodings[hdr.TextEncoding]
	if encoding == "" {
		encoding = "unset"
	}

	fmt.Fprintf(stdout, "File:            %s\n", c.File)
	fmt.Fprintf(stdout, "Page size:       %d\n", hdr.PageSize)
	fmt.Fprintf(stdout, "Reserved bytes:  %d\n", hdr.ReservedSpace)
	fmt.Fprintf(stdout, "Pages:           %d\n", hdr.DatabaseSize)
	fmt.Fprintf(stdout, "Free pages:      %d (first trunk %d)\n", hdr.FreelistCount, hdr.FreelistTrunk)
	fmt.Fprintf(stdout, "Change counter:  %d\n", hdr.FileChangeCounter)
	fmt.Fprintf(stdout, "Schema cookie:   %d (format %d)\n", hdr.SchemaCookie, hdr.SchemaFormat)
	fmt.Fprintf(stdout, "Text encoding:   %s\n", encoding)
	fmt.Fprintf(stdout, "User version:    %d\n", hdr.UserVersion)
	fmt.Fprintf(stdout, "Auto-vacuum:     %s\n", xml.AutoVacuumName(autoVacuum))
	if hdr.SQLiteVersion != 0 {
		fmt.Fprintf(stdout, "Written by:      SQLite %d\n", hdr.SQLiteVersion)
	}

	db, err := openDB(c.File, true)
	if err != nil {
		return err
	}
	defer db.Close()
	entries, err := readSchema(db)
	if err != nil {
		return err
	}
	if _, err := os.Stat(db.GetJournalname()); err == nil {
		fmt.Fprintf(stdout, "Journal:         %s\n", db.GetJournalname())
	}
	fmt.Fprintf(stdout, "Trees:           %d\n", len(entries)+1)
	fmt.Fprintf(stdout, "  %-6d table sqlite_master\n", 1)
	for _, e := range entries {
		fmt.Fprintf(stdout, "  %-6d %s\n", e.Root, treeLabel(e))
	}
	return nil
}

// CheckCmd runs the engine's integrity check and, optionally, SQLite's.
type CheckCmd struct {
	File      string `arg:"" help:"Database file" type:"existingfile"`
	Reference bool   `help:"Also run PRAGMA integrity_check with the reference SQLite driver"`
	MaxErrors int    `name:"max-errors" help:"Stop after this many problems" default:"100"`
	Format    string `help:"Output format" enum:"text,xml" default:"text"`
}

func (c *CheckCmd) Run() error {
	db, err := openDB(c.File, true)
	if err != nil {
		return err
	}
	defer db.Close()

	entries, err := readSchema(db)
	if err != nil {
		return err
	}
	problems, err := db.IntegrityCheck(schemaRoots(entries), c.MaxErrors)
	if err != nil {
		return err
	}
	if c.Reference {
		ref, err := sqlite.IntegrityCheck(context.Background(), c.File)
		if err != nil {
			return err
		}
		for _, p := range ref {
			problems = append(problems, "sqlite: "+p)
		}
	}

	if c.Format == "xml" {
		info, err := fileInfo(db, c.File)
		if err != nil {
			return err
		}
		doc, err := xml.IntegrityReport(info, problems)
		if err != nil {
			return err
		}
		stdout.Write(doc.Format(xml.FormatOptions{}))
	} else {
		if len(problems) == 0 {
			fmt.Fprintln(stdout, "ok")
		}
		for _, p := range problems {
			fmt.Fprintln(stdout, p)
		}
	}
	if len(problems) > 0 {
		logging.CorruptionDetected(c.File, 0, "integrity check failed", "problems", len(problems))
		return errors.Wrapf(errors.ErrCorrupt, "%d problems found", len(problems))
	}
	return nil
}

// AnalyzeCmd reports the shape of every tree in the file.
type AnalyzeCmd struct {
	File   string `arg:"" help:"Database file" type:"existingfile"`
	Format string `help:"Output format" enum:"text,xml" default:"text"`
	XPath  string `name:"xpath" help:"Print the result of an XPath expression over the XML report"`
}

func (c *AnalyzeCmd) Run() error {
	db, err := openDB(c.File, true)
	if err != nil {
		return err
	}
	defer db.Close()

	entries, err := readSchema(db)
	if err != nil {
		return err
	}
	labels := map[btree.Pgno]string{1: "table sqlite_master"}
	for _, e := range entries {
		labels[e.Root] = treeLabel(e)
	}
	var trees []*btree.TreeStats
	for _, root := range schemaRoots(entries) {
		st, err := db.Analyze(root)
		if err != nil {
			return fmt.Errorf("failed to analyze tree %d: %w", root, err)
		}
		trees = append(trees, st)
	}

	if c.Format == "text" && c.XPath == "" {
		fmt.Fprintf(stdout, "%-6s %-5s %6s %8s %8s %8s %10s %12s %12s  %s\n",
			"root", "kind", "depth", "interior", "leaf", "overflow", "entries", "payload", "unused", "name")
		for _, st := range trees {
			kind := "index"
			if st.IntKey {
				kind = "table"
			}
			fmt.Fprintf(stdout, "%-6d %-5s %6d %8d %8d %8d %10d %12d %12d  %s\n",
				st.Root, kind, st.Depth, st.InteriorPages, st.LeafPages, st.OverflowPages,
				st.Entries, st.PayloadBytes, st.UnusedBytes, labels[st.Root])
		}
		return nil
	}

	info, err := fileInfo(db, c.File)
	if err != nil {
		return err
	}
	doc, err := xml.AnalysisReport(info, trees)
	if err != nil {
		return err
	}
	if c.XPath == "" {
		stdout.Write(doc.Format(xml.FormatOptions{}))
		return nil
	}
	result, err := doc.Evaluate(c.XPath)
	if err != nil {
		return err
	}
	printXPathResult(result)
	return nil
}

func printXPathResult(result any) {
	switch v := result.(type) {
	case []*xml.Node:
		for _, n := range v {
			if len(n.Children()) == 0 {
				fmt.Fprintln(stdout, n.Text())
			} else {
				fmt.Fprintln(stdout, n.OuterXML())
			}
		}
	case float64:
		fmt.Fprintln(stdout, strconv.FormatFloat(v, 'f', -1, 64))
	default:
		fmt.Fprintln(stdout, v)
	}
}

// DumpCmd lists the entries of the tree rooted at Root.
type DumpCmd struct {
	File    string `arg:"" help:"Database file" type:"existingfile"`
	Root    uint32 `arg:"" optional:"" help:"Root page of the tree" default:"1"`
	Reverse bool   `help:"List from the largest key down"`
	Limit   int    `help:"Stop after this many entries"`
}

func (c *DumpCmd) Run() error {
	db, err := openDB(c.File, true)
	if err != nil {
		return err
	}
	defer db.Close()

	stmt := "scan $" + strconv.FormatUint(uint64(c.Root), 10)
	if c.Reverse {
		stmt += " reverse"
	}
	if c.Limit > 0 {
		stmt += " limit " + strconv.Itoa(c.Limit)
	}
	return script.NewSession(db, stdout).Run("dump", stmt)
}

// VacuumCmd gives free pages back to the file system.
type VacuumCmd struct {
	File  string `arg:"" help:"Database file" type:"existingfile"`
	Steps int    `help:"Free at most this many pages; 0 frees all"`
}

func (c *VacuumCmd) Run() error {
	db, err := openDB(c.File, false)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.BeginTrans(btree.BeginWrite); err != nil {
		return err
	}
	if db.GetAutoVacuum() != btree.AutoVacuumIncremental {
		_ = db.Rollback()
		return errors.NewValidation("auto_vacuum", "file is not in incremental auto-vacuum mode")
	}
	before := db.PageCount()
	if c.Steps <= 0 {
		_, err = db.IncrVacuumAll()
	} else {
		for i := 0; i < c.Steps && err == nil; i++ {
			var done bool
			if done, err = db.IncrVacuum(); done {
				break
			}
		}
	}
	if err != nil {
		_ = db.Rollback()
		return err
	}
	reclaimed := before - db.PageCount()
	if err := db.Commit(); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "reclaimed %d pages\n", reclaimed)
	return nil
}

// BackupCmd copies a database file page by page inside a read
// transaction, or restores such a copy.
type BackupCmd struct {
	File    string `arg:"" help:"Database file, or the backup with --restore" type:"existingfile"`
	Out     string `arg:"" help:"Backup file, or the database to create with --restore" type:"path"`
	XZ      bool   `name:"xz" help:"Compress with xz; implied by a .xz suffix"`
	Restore bool   `help:"Restore File into Out"`
	Force   bool   `help:"Overwrite Out if it exists"`
}

func (c *BackupCmd) compressed(path string) bool {
	return c.XZ || strings.HasSuffix(path, ".xz")
}

func (c *BackupCmd) Run() error {
	if !c.Force {
		if _, err := os.Stat(c.Out); err == nil {
			return errors.NewValidation("out", c.Out+" exists; use --force to overwrite")
		}
	}
	if c.Restore {
		return c.restore()
	}

	db, err := openDB(c.File, true)
	if err != nil {
		return err
	}
	defer db.Close()

	f, err := os.Create(c.Out)
	if err != nil {
		return errors.NewIO("create", c.Out, err)
	}
	defer f.Close()

	var w io.Writer = f
	var xw *xz.Writer
	if c.compressed(c.Out) {
		if xw, err = xz.NewWriter(f); err != nil {
			return fmt.Errorf("failed to create xz writer: %w", err)
		}
		w = xw
	}
	n, err := db.CopyFile(w)
	if err != nil {
		return err
	}
	if xw != nil {
		if err := xw.Close(); err != nil {
			return errors.NewIO("compress", c.Out, err)
		}
	}
	if err := f.Close(); err != nil {
		return errors.NewIO("close", c.Out, err)
	}
	fmt.Fprintf(stdout, "copied %d bytes to %s\n", n, c.Out)
	return nil
}

// restore writes the backup to a temporary file next to Out, checks it
// and renames it into place.
func (c *BackupCmd) restore() error {
	in, err := os.Open(c.File)
	if err != nil {
		return errors.NewIO("open", c.File, err)
	}
	defer in.Close()

	var r io.Reader = in
	if c.compressed(c.File) {
		xr, err := xz.NewReader(in)
		if err != nil {
			return fmt.Errorf("failed to open xz stream: %w", err)
		}
		r = xr
	}

	tmp, err := os.CreateTemp(filepath.Dir(c.Out), filepath.Base(c.Out)+".restore-*")
	if err != nil {
		return errors.NewIO("create", c.Out, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return errors.NewIO("restore", c.File, err)
	}

	db, err := openDB(tmpName, true)
	if err != nil {
		return err
	}
	entries, err := readSchema(db)
	var problems []string
	if err == nil {
		problems, err = db.IntegrityCheck(schemaRoots(entries), 10)
	}
	db.Close()
	if err != nil {
		return err
	}
	if len(problems) > 0 {
		return errors.Wrapf(errors.ErrCorrupt, "restored image fails integrity check: %s", problems[0])
	}

	if err := os.Rename(tmpName, c.Out); err != nil {
		return errors.NewIO("rename", c.Out, err)
	}
	fmt.Fprintf(stdout, "restored %d bytes to %s\n", n, c.Out)
	return nil
}

// ExecCmd runs a script. Trees listed in sqlite_master are bound to
// their names before the script starts.
type ExecCmd struct {
	File   string `arg:"" help:"Database file; created if missing" type:"path"`
	Script string `arg:"" help:"Script file, or - for standard input"`
}

func (c *ExecCmd) Run() error {
	var src []byte
	var err error
	name := c.Script
	if c.Script == "-" {
		name = "stdin"
		src, err = io.ReadAll(os.Stdin)
	} else {
		src, err = os.ReadFile(c.Script)
	}
	if err != nil {
		return errors.NewIO("read", c.Script, err)
	}

	db, err := openDB(c.File, false)
	if err != nil {
		return err
	}
	defer db.Close()

	entries, err := readSchema(db)
	if err != nil {
		return err
	}
	s := script.NewSession(db, stdout)
	for _, e := range entries {
		s.Bind(e.Name, e.Root)
	}
	if err := s.Run(filepath.Base(name), string(src)); err != nil {
		return err
	}
	return s.Close()
}

// VersionCmd prints version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	info := sqlite.GetInfo()
	fmt.Fprintf(stdout, "btree version %s\n", version)
	fmt.Fprintf(stdout, "reference driver: %s (%s, %s)\n", info.DriverName, info.DriverType, info.Package)
	return nil
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("btree"),
		kong.Description("Inspect and maintain SQLite-format B-Tree database files"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)
	err := ctx.Run(ctx)
	ctx.FatalIfErrorf(err)
}
