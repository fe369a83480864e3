// Command dbip-convert turns a country-lite IP-geolocation database, piped
// to standard input, into generated Go source on standard output. It is the
// conversion step of the publishing workflow: the surrounding automation
// downloads and decompresses the database, runs this command, and commits
// the output only when it differs from the previously published artifact.
//
// Any malformed input aborts the run with a non-zero exit code; there is no
// partial-success mode.
package main

import (
	"io"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	dbip "github.com/MASQ-Project/DBIP-Experiment"
)

var (
	csvInput = kingpin.Flag("csv", "Input is a country-lite CSV export rather than a binary database.").Bool()
	pkgName  = kingpin.Flag("package", "Package name for the generated source.").Default("dbip_country").String()
	snapPath = kingpin.Flag("snapshot", "Also write a binary snapshot of the table to PATH.").PlaceHolder("PATH").String()
	verbose  = kingpin.Flag("verbose", "Enable debug logging.").Short('v').Bool()
)

func main() {
	kingpin.Parse()

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	if *verbose {
		logger = level.NewFilter(logger, level.AllowDebug())
	} else {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	if err := run(logger, os.Stdin, os.Stdout); err != nil {
		level.Error(logger).Log("msg", "conversion failed", "err", err)
		os.Exit(1)
	}
}

func run(logger log.Logger, in io.Reader, out io.Writer) error {
	var table dbip.Table

	if *csvInput {
		t, err := dbip.ParseCSV(in)
		if err != nil {
			return errors.Wrap(err, "parsing CSV input")
		}
		table = t
	} else {
		buf, err := io.ReadAll(in)
		if err != nil {
			return errors.Wrap(err, "reading standard input")
		}
		t, meta, err := dbip.Convert(buf)
		if err != nil {
			return errors.Wrap(err, "converting database")
		}
		level.Debug(logger).Log(
			"msg", "database parsed",
			"nodes", meta.NodeCount,
			"record_size", meta.RecordSize,
			"ip_version", meta.IPVersion,
			"build_epoch", meta.BuildEpoch,
		)
		table = t
	}
	level.Info(logger).Log("msg", "table built", "entries", len(table))

	if *snapPath != "" {
		if err := writeSnapshotFile(*snapPath, table); err != nil {
			return errors.Wrapf(err, "writing snapshot %s", *snapPath)
		}
		level.Debug(logger).Log("msg", "snapshot written", "path", *snapPath)
	}

	return errors.Wrap(dbip.EmitGoSource(out, *pkgName, table), "generating Go source")
}

func writeSnapshotFile(path string, table dbip.Table) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := dbip.WriteSnapshot(f, table); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
