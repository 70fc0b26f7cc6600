// Command sfmx programs and dumps bootleg flash cartridges through a
// FlashKit programmer: capacity detection, ROM read/write/erase and
// battery RAM read/write.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/cespare/xxhash"
	"github.com/retroenv/retrogolib/log"

	"github.com/zperona/flashkit/cart"
	"github.com/zperona/flashkit/flashkit"
	"github.com/zperona/flashkit/mdrom"
)

func usage() {
	fmt.Println("sfmx usage:")
	flag.PrintDefaults()
	os.Exit(-1)
}

func createLogger(debug, quiet bool) *log.Logger {
	cfg := log.DefaultConfig()
	if debug {
		cfg.Level = log.DebugLevel
	} else if quiet {
		cfg.Level = log.ErrorLevel
	}
	return log.NewWithConfig(cfg)
}

func main() {
	port := flag.String("port", "/dev/ttyUSB0", "serial port of the FlashKit programmer")

	rominfo := flag.Bool("rominfo", false, "print ROM name and detected capacity")
	readrom := flag.Bool("readrom", false, "read and output ROM")
	writerom := flag.Bool("writerom", false, "erase, program and verify ROM data")
	erase := flag.Bool("erase", false, "erase the whole flash chip")
	readram := flag.Bool("readram", false, "read and output RAM")
	writeram := flag.Bool("writeram", false, "write supplied RAM data to cartridge")
	autoname := flag.Bool("autoname", false, "derive dump filenames from the ROM header")
	romfile := flag.String("romfile", "", "file to save or read ROM data ('-' for stdout/stdin)")
	ramfile := flag.String("ramfile", "", "file to save or read RAM data ('-' for stdout/stdin)")
	debug := flag.Bool("debug", false, "enable debug logging")
	quiet := flag.Bool("quiet", false, "only log errors")

	flag.Parse()
	logger := createLogger(*debug, *quiet)

	if *port == "" {
		fmt.Println("Must specify port")
		usage()
	}
	if *readram && *writeram {
		fmt.Println("Can't read and write cartridge RAM in one invocation")
		usage()
	}
	if *readrom && *writerom {
		fmt.Println("Can't read and write cartridge ROM in one invocation")
		usage()
	}
	if (*romfile != "" || *ramfile != "") && *autoname {
		fmt.Println("Can't supply file names when autoname is used")
		usage()
	}
	if (*readrom || *writerom) && *romfile == "" && !*autoname {
		fmt.Println("No ROM file name supplied")
		usage()
	}
	if (*readram || *writeram) && *ramfile == "" && !*autoname {
		fmt.Println("No RAM file name supplied")
		usage()
	}
	if !*readrom && !*writerom && !*readram && !*writeram && !*rominfo && !*erase {
		fmt.Println("No action specified")
		usage()
	}

	link := flashkit.New(*port)
	s, err := cart.Open(link)
	if err != nil {
		logger.Fatal("Opening device failed", log.Err(err))
	}
	defer s.Close()

	run := func(name string, fn func() error) {
		if err := fn(); err != nil {
			logger.Fatal(name+" failed", log.Err(err))
		}
	}

	if *rominfo {
		run("rominfo", func() error { return runRomInfo(logger, s) })
	}
	if *erase {
		run("erase", func() error { return runErase(logger, s) })
	}
	if *readrom {
		run("readrom", func() error { return runReadRom(logger, s, *romfile, *autoname) })
	}
	if *writerom {
		run("writerom", func() error { return runWriteRom(logger, s, *romfile) })
	}
	if *readram {
		run("readram", func() error { return runReadRam(logger, s, *ramfile, *autoname) })
	}
	if *writeram {
		run("writeram", func() error { return runWriteRam(logger, s, *ramfile) })
	}
}

// dumpFileName derives a filename from the cartridge header.
func dumpFileName(s *cart.Session, ext string) (string, error) {
	hdr, err := s.ReadHeader()
	if err != nil {
		return "", err
	}
	return mdrom.DumpName(hdr) + ext, nil
}

func runRomInfo(logger *log.Logger, s *cart.Session) error {
	hdr, err := s.ReadHeader()
	if err != nil {
		return err
	}
	report, err := s.DetectCapacity()
	if err != nil {
		return err
	}
	logger.Info("Cartridge",
		log.String("name", mdrom.Name(hdr)),
		log.String("region", mdrom.Region(hdr)),
		log.Int("rom_size", int(report.RomSize)),
		log.Int("ram_size", int(report.RamSize)))
	return nil
}

func runErase(logger *log.Logger, s *cart.Session) error {
	logger.Info("Erasing all sectors")
	if err := s.EraseAll(func(done, total int) {
		fmt.Fprintf(os.Stderr, "*")
	}); err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr)
	logger.Info("Erase complete")
	return nil
}

func runReadRom(logger *log.Logger, s *cart.Session, romfile string, autoname bool) error {
	if autoname {
		name, err := dumpFileName(s, ".bin")
		if err != nil {
			return err
		}
		romfile = name
	}

	report, err := s.DetectCapacity()
	if err != nil {
		return err
	}
	logger.Info("Reading ROM",
		log.Int("rom_size", int(report.RomSize)),
		log.String("file", romfile))

	data, err := s.ReadRom(report.RomSize, func(done, total int64) {
		fmt.Fprintf(os.Stderr, ".")
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr)

	if romfile == "-" {
		if _, err := os.Stdout.Write(data); err != nil {
			return err
		}
	} else if err := os.WriteFile(romfile, data, 0644); err != nil {
		return err
	}

	logger.Info("ROM dump complete",
		log.Int("bytes", len(data)),
		log.String("xxh64", fmt.Sprintf("%016x", xxhash.Sum64(data))))
	return nil
}

func runWriteRom(logger *log.Logger, s *cart.Session, romfile string) error {
	var (
		image []byte
		err   error
	)
	if romfile == "-" {
		image, err = io.ReadAll(os.Stdin)
		romfile = "stdin"
	} else {
		image, err = os.ReadFile(romfile)
	}
	if err != nil {
		return err
	}
	logger.Info("Writing ROM",
		log.Int("bytes", len(image)),
		log.String("file", romfile),
		log.String("xxh64", fmt.Sprintf("%016x", xxhash.Sum64(image))))

	lastStage := cart.Stage(-1)
	if err := s.WriteRom(image, func(p cart.WriteProgress) {
		if p.Stage != lastStage {
			if lastStage >= 0 {
				fmt.Fprintln(os.Stderr)
			}
			logger.Info("Stage", log.Stringer("stage", p.Stage))
			lastStage = p.Stage
		}
		fmt.Fprintf(os.Stderr, "*")
	}); err != nil {
		fmt.Fprintln(os.Stderr)
		return err
	}
	fmt.Fprintln(os.Stderr)
	logger.Info("ROM write verified")
	return nil
}

func runReadRam(logger *log.Logger, s *cart.Session, ramfile string, autoname bool) error {
	if autoname {
		name, err := dumpFileName(s, ".srm")
		if err != nil {
			return err
		}
		ramfile = name
	}

	data, err := s.ReadRam()
	if err != nil {
		return err
	}
	if ramfile == "-" {
		if _, err := os.Stdout.Write(data); err != nil {
			return err
		}
	} else if err := os.WriteFile(ramfile, data, 0644); err != nil {
		return err
	}
	logger.Info("RAM dump complete",
		log.Int("bytes", len(data)),
		log.String("file", ramfile))
	return nil
}

func runWriteRam(logger *log.Logger, s *cart.Session, ramfile string) error {
	var (
		data []byte
		err  error
	)
	if ramfile == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(ramfile)
	}
	if err != nil {
		return err
	}

	if err := s.WriteRam(data); err != nil {
		return err
	}
	logger.Info("RAM write verified", log.Int("bytes", len(data)))
	return nil
}
