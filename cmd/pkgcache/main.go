// Command pkgcache builds and inspects package caches.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/oda/pkgcache/internal/config"
	"github.com/oda/pkgcache/pkg/pkgcache"
	"github.com/oda/pkgcache/pkg/pkgcache/debversion"
	"github.com/oda/pkgcache/pkg/pkgcache/sqlsource"
)

const defaultConfig = "/etc/pkgcache/pkgcache.yaml"

var log = logrus.New()

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: %s [options] command [args]

Commands:
  build                      build the cache unless it is up to date
  check                      report whether the cache is up to date
  stats                      print record counts of the cache
  show PACKAGE...            print versions and relations of packages
  import STORE NAME FILE     load a JSON list of records into a store

Options:
`, os.Args[0])
	flag.PrintDefaults()
}

func main() {
	configFile := flag.String("config", defaultConfig, "configuration file")
	force := flag.Bool("force", false, "rebuild even if the cache is up to date")
	reinstall := flag.Bool("reinstall", false, "match installed packages by architecture")
	memOnly := flag.Bool("status-only", false, "build only the overlay sources in memory")
	flag.Usage = usage
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatal(err)
	}
	level, _ := cfg.Level()
	log.SetLevel(level)
	cfg.ForceRebuild = cfg.ForceRebuild || *force
	cfg.ReInstall = cfg.ReInstall || *reinstall

	switch flag.Arg(0) {
	case "build":
		err = build(cfg, *memOnly)
	case "check":
		err = check(cfg)
	case "stats":
		err = stats(cfg)
	case "show":
		err = show(cfg, flag.Args()[1:])
	case "import":
		err = importRecords(flag.Args()[1:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal(err)
	}
}

// sources opens the stores named by cfg and returns its base and overlay
// sources in configuration order.
func sources(cfg config.Config) (base, overlay []pkgcache.IndexFile, closeAll func(), err error) {
	stores := map[string]*sqlsource.Store{}
	closeAll = func() {
		for _, s := range stores {
			s.Close()
		}
	}
	for _, src := range cfg.Sources {
		s, ok := stores[src.Store]
		if !ok {
			if s, err = sqlsource.Open(src.Store); err != nil {
				closeAll()
				return nil, nil, nil, err
			}
			stores[src.Store] = s
		}
		if src.Overlay {
			overlay = append(overlay, s.Index(src.Name))
		} else {
			base = append(base, s.Index(src.Name))
		}
	}
	return base, overlay, closeAll, nil
}

func buildOptions(cfg config.Config) (pkgcache.BuildOptions, func(), error) {
	limit, err := cfg.Limit()
	if err != nil {
		return pkgcache.BuildOptions{}, nil, err
	}
	minFree, err := cfg.MinFreeBytes()
	if err != nil {
		return pkgcache.BuildOptions{}, nil, err
	}
	base, overlay, closeAll, err := sources(cfg)
	if err != nil {
		return pkgcache.BuildOptions{}, nil, err
	}
	return pkgcache.BuildOptions{
		CacheFile:     cfg.CacheFile,
		SrcCacheFile:  cfg.SrcCacheFile,
		Base:          base,
		Overlay:       overlay,
		VersionSystem: debversion.New(cfg.Architectures...),
		Architecture:  cfg.Architecture,
		MaxSize:       limit,
		ForceRebuild:  cfg.ForceRebuild,
		StrictArch:    cfg.ReInstall,
		AllowMem:      cfg.AllowMem,
		MinFreeBytes:  minFree,
		Progress:      pkgcache.LogProgress{Log: log.WithField("component", "progress")},
		Logger:        log,
	}, closeAll, nil
}

func build(cfg config.Config, memOnly bool) error {
	opts, closeAll, err := buildOptions(cfg)
	if err != nil {
		return err
	}
	defer closeAll()

	var res *pkgcache.Result
	if memOnly {
		res, err = pkgcache.MakeOnlyStatusCache(opts)
	} else {
		res, err = pkgcache.MakeStatusCache(opts)
	}
	if err != nil {
		return err
	}
	defer res.Cache.Close()

	if !res.Rebuilt {
		fmt.Printf("%s is up to date\n", res.Cache.Path())
		return nil
	}
	where := res.Cache.Path()
	if where == "" {
		where = "memory"
	}
	fmt.Printf("built %s (%s): %d records, %d new versions, %d duplicates, %d file provides\n",
		where, humanize.Bytes(uint64(res.Cache.Size())),
		res.Stats.Records, res.Stats.NewVersions, res.Stats.Duplicates, res.Stats.FileProvides)
	if res.BaseReused {
		fmt.Printf("reused %s\n", cfg.SrcCacheFile)
	}
	return nil
}

func check(cfg config.Config) error {
	opts, closeAll, err := buildOptions(cfg)
	if err != nil {
		return err
	}
	defer closeAll()

	all := append(opts.Base, opts.Overlay...)
	c, err := pkgcache.CheckValidity(cfg.CacheFile, all, pkgcache.ValidityOptions{
		VersionSystem: opts.VersionSystem,
		ForceRebuild:  opts.ForceRebuild,
		StrictArch:    opts.StrictArch,
	})
	if errors.Is(err, pkgcache.ErrStaleCache) {
		fmt.Printf("%s needs rebuilding: %v\n", cfg.CacheFile, err)
		os.Exit(1)
	}
	if err != nil {
		return err
	}
	defer c.Close()
	fmt.Printf("%s is up to date\n", cfg.CacheFile)
	return nil
}

func stats(cfg config.Config) error {
	c, err := pkgcache.Open(cfg.CacheFile)
	if err != nil {
		return err
	}
	defer c.Close()

	hdr := c.Header()
	fmt.Printf("Cache:           %s (%s)\n", c.Path(), humanize.Bytes(uint64(c.Size())))
	fmt.Printf("Version system:  %s\n", c.VersionSystem())
	fmt.Printf("Architecture:    %s\n", c.Architecture())
	for k := pkgcache.Kind(0); k <= pkgcache.KindString; k++ {
		fmt.Printf("%-16s %s\n", k.String()+":", humanize.Comma(int64(c.Count(k))))
	}
	fmt.Printf("Largest record:  %s\n", humanize.Bytes(uint64(hdr.MaxVerFileSize)))
	fmt.Printf("File depends:    %t\n", c.HasFileDeps())
	return nil
}

func show(cfg config.Config, names []string) error {
	if len(names) == 0 {
		return errors.New("show: no package given")
	}
	c, err := pkgcache.Open(cfg.CacheFile)
	if err != nil {
		return err
	}
	defer c.Close()

	for _, name := range names {
		p, ok := c.FindPackage(name)
		if !ok {
			fmt.Printf("%s: not found\n", name)
			continue
		}
		fmt.Printf("Package: %s\n", p.Name())
		if cur, ok := p.CurrentVersion(); ok {
			fmt.Printf("Installed: %s\n", cur.VerStr())
		}
		for v := range p.Versions() {
			fmt.Printf("  %s %s\n", v.VerStr(), v.Arch())
			for d := range v.Depends() {
				constraint := ""
				if d.Op() != pkgcache.OpNone {
					constraint = fmt.Sprintf(" (%s %s)", d.Op(), d.Version())
				}
				fmt.Printf("    %s: %s%s\n", d.Type(), d.TargetName(), constraint)
			}
			for pr := range v.Provides() {
				fmt.Printf("    Provides: %s\n", strings.TrimSpace(pr.Name()+" "+pr.Version()))
			}
			for vf := range v.Files() {
				fmt.Printf("    File: %s\n", vf.File().FileName())
			}
		}
		for pr := range p.ProvidedBy() {
			fmt.Printf("  provided by %s %s\n", pr.Owner().Package().Name(), pr.Owner().VerStr())
		}
	}
	return nil
}

func importRecords(args []string) error {
	if len(args) != 3 {
		return errors.New("import: expected STORE NAME FILE")
	}
	data, err := os.ReadFile(args[2])
	if err != nil {
		return err
	}
	var entries []sqlsource.Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("import: %w", err)
	}

	s, err := sqlsource.Open(args[0])
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.Put(sqlsource.Source{Name: args[1]}, entries); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"store": args[0], "source": args[1], "records": len(entries)}).Info("imported records")
	return nil
}
