// chunkvault is a thin command-line wrapper around the library: it opens an
// index, points the library at a filesystem chunk directory and runs one
// operation. Exit code 0 on success, 1 on failure, 2 when the flags do not
// parse.
package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/chunkvault/chunkvault"
	"github.com/chunkvault/chunkvault/internal/cliconfig"
	"github.com/chunkvault/chunkvault/pkg/chunker"
	"github.com/chunkvault/chunkvault/pkg/fsstore"
)

const configFile = "chunkvault.yaml"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	if err := run(os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("Usage: chunkvault <command> [flags] [arguments]")
	fmt.Println("Commands:")
	fmt.Println("  create   --index <dir> [--min N --max N --shift N --boundary-bytes N] [--pool]")
	fmt.Println("  store    --index <dir> --chunks <dir> [--container <name>] <object> <file>")
	fmt.Println("  retrieve --index <dir> --chunks <dir> [--container <name>] <object> <output-file>")
	fmt.Println("  delete   --index <dir> --chunks <dir> [--container <name>] <object>")
	fmt.Println("  list     --index <dir> [--container <name>]")
	fmt.Println("  exists   --index <dir> [--container <name>] <object>")
	fmt.Println("  stats    --index <dir>")
}

// common holds the flags every subcommand shares; defaults come from an
// optional chunkvault.yaml in the working directory.
type common struct {
	index     string
	chunks    string
	container string
}

func commonFlags(fs *pflag.FlagSet) *common {
	defaults, err := cliconfig.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
	c := &common{}
	fs.StringVar(&c.index, "index", defaults.Index, "index directory")
	fs.StringVar(&c.chunks, "chunks", defaults.Chunks, "chunk store directory")
	fs.StringVar(&c.container, "container", defaults.Container, "container name (pool mode)")
	return c
}

func cliLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	return log
}

func run(command string, args []string) error {
	switch command {
	case "create":
		return runCreate(args)
	case "store":
		return runStore(args)
	case "retrieve":
		return runRetrieve(args)
	case "delete":
		return runDelete(args)
	case "list":
		return runList(args)
	case "exists":
		return runExists(args)
	case "stats":
		return runStats(args)
	default:
		usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func runCreate(args []string) error {
	fs := pflag.NewFlagSet("create", pflag.ExitOnError)
	c := commonFlags(fs)
	min := fs.Int("min", 8192, "minimum chunk size in bytes")
	max := fs.Int("max", 65536, "maximum chunk size in bytes")
	shift := fs.Int("shift", 512, "window shift in bytes")
	boundary := fs.Int("boundary-bytes", 2, "zero bytes required at a boundary")
	pool := fs.Bool("pool", false, "create a pool index with per-container sub-indexes")
	fs.Parse(args)

	v, err := chunkvault.Create(chunkvault.Options{
		Path: c.index,
		Chunking: chunker.Config{
			MinChunkSize:       *min,
			MaxChunkSize:       *max,
			ShiftCount:         *shift,
			BoundaryCheckBytes: *boundary,
		},
		IndexPerObject: *pool,
		Logger:         cliLogger(),
	})
	if err != nil {
		return err
	}
	defer v.Close()
	fmt.Printf("Index created at %s\n", c.index)
	return nil
}

func openVault(c *common) (*chunkvault.Vault, error) {
	return chunkvault.Open(chunkvault.Options{Path: c.index, Logger: cliLogger()})
}

func openStore(c *common) (*fsstore.Store, error) {
	if c.chunks == "" {
		return nil, fmt.Errorf("--chunks directory required")
	}
	return fsstore.New(c.chunks, cliLogger())
}

func runStore(args []string) error {
	fs := pflag.NewFlagSet("store", pflag.ExitOnError)
	c := commonFlags(fs)
	replace := fs.Bool("replace", false, "overwrite an existing object")
	fs.Parse(args)
	if fs.NArg() < 2 {
		return fmt.Errorf("usage: chunkvault store <object> <file>")
	}
	name, path := fs.Arg(0), fs.Arg(1)

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	v, err := openVault(c)
	if err != nil {
		return err
	}
	defer v.Close()
	store, err := openStore(c)
	if err != nil {
		return err
	}

	if *replace {
		m, err := v.StoreOrReplaceObject(c.container, name, data, store)
		if err != nil {
			return err
		}
		fmt.Printf("Stored %s: %d bytes in %d chunks\n", name, m.ContentLength, len(m.Chunks))
		return nil
	}
	m, err := v.StoreObject(c.container, name, data, store)
	if err != nil {
		return err
	}
	fmt.Printf("Stored %s: %d bytes in %d chunks\n", name, m.ContentLength, len(m.Chunks))
	return nil
}

func runRetrieve(args []string) error {
	fs := pflag.NewFlagSet("retrieve", pflag.ExitOnError)
	c := commonFlags(fs)
	fs.Parse(args)
	if fs.NArg() < 2 {
		return fmt.Errorf("usage: chunkvault retrieve <object> <output-file>")
	}
	name, out := fs.Arg(0), fs.Arg(1)

	v, err := openVault(c)
	if err != nil {
		return err
	}
	defer v.Close()
	store, err := openStore(c)
	if err != nil {
		return err
	}

	data, err := v.RetrieveObject(c.container, name, store)
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", out, err)
	}
	fmt.Printf("Retrieved %s: %d bytes\n", name, len(data))
	return nil
}

func runDelete(args []string) error {
	fs := pflag.NewFlagSet("delete", pflag.ExitOnError)
	c := commonFlags(fs)
	fs.Parse(args)
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: chunkvault delete <object>")
	}
	name := fs.Arg(0)

	v, err := openVault(c)
	if err != nil {
		return err
	}
	defer v.Close()
	store, err := openStore(c)
	if err != nil {
		return err
	}

	if err := v.DeleteObject(c.container, name, store); err != nil {
		return err
	}
	fmt.Printf("Deleted %s\n", name)
	return nil
}

func runList(args []string) error {
	fs := pflag.NewFlagSet("list", pflag.ExitOnError)
	c := commonFlags(fs)
	fs.Parse(args)

	v, err := openVault(c)
	if err != nil {
		return err
	}
	defer v.Close()

	// A pool index without a container flag lists the containers instead.
	if v.PoolMode() && c.container == "" {
		containers, err := v.ListContainers()
		if err != nil {
			return err
		}
		for _, name := range containers {
			fmt.Println(name)
		}
		return nil
	}
	objects, err := v.ListObjects(c.container)
	if err != nil {
		return err
	}
	for _, name := range objects {
		fmt.Println(name)
	}
	return nil
}

func runExists(args []string) error {
	fs := pflag.NewFlagSet("exists", pflag.ExitOnError)
	c := commonFlags(fs)
	fs.Parse(args)
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: chunkvault exists <object>")
	}

	v, err := openVault(c)
	if err != nil {
		return err
	}
	defer v.Close()

	exists, err := v.ObjectExists(c.container, fs.Arg(0))
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("object %q not found", fs.Arg(0))
	}
	fmt.Println("found")
	return nil
}

func runStats(args []string) error {
	fs := pflag.NewFlagSet("stats", pflag.ExitOnError)
	c := commonFlags(fs)
	fs.Parse(args)

	v, err := openVault(c)
	if err != nil {
		return err
	}
	defer v.Close()

	stats, err := v.Stats()
	if err != nil {
		return err
	}
	fmt.Println("Index statistics:")
	if v.PoolMode() {
		fmt.Printf("  Containers:     %d\n", stats.Containers)
	}
	fmt.Printf("  Objects:        %d\n", stats.Objects)
	fmt.Printf("  Chunks:         %d\n", stats.Chunks)
	fmt.Printf("  Logical bytes:  %s\n", humanize.Bytes(stats.LogicalBytes))
	fmt.Printf("  Physical bytes: %s\n", humanize.Bytes(stats.PhysicalBytes))
	fmt.Printf("  Dedup ratio:    %.2f\n", stats.Ratio())
	return nil
}
