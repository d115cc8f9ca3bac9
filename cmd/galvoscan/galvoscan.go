package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strings"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rasterlab/galvoscan"
	"github.com/rasterlab/galvoscan/internal/scandb"
	"github.com/rasterlab/galvoscan/preview"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

var githash = "githash not computed"
var gitdate = "git date not computed"
var buildDate = "build date not computed"

// makeFileExist checks that dir/filename exists, and creates the directory
// and file if it doesn't.
func makeFileExist(dir, filename string) (string, error) {
	// Replace 1 instance of "$HOME" in the path with the actual home directory.
	if strings.Contains(dir, "$HOME") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = strings.Replace(dir, "$HOME", home, 1)
	}

	// Create directory <path>, if needed
	if _, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		err2 := os.MkdirAll(dir, 0775)
		if err2 != nil {
			return "", err2
		}
	}

	// Create an empty file path/filename, if it doesn't exist.
	fullname := path.Join(dir, filename)
	_, err := os.Stat(fullname)
	if os.IsNotExist(err) {
		f, err2 := os.OpenFile(fullname, os.O_WRONLY|os.O_CREATE, 0664)
		if err2 != nil {
			return "", err2
		}
		f.Close()
	}
	return fullname, nil
}

// setupViper sets up the viper configuration manager: says where to find config
// files and the filename and suffix. Sets some defaults.
func setupViper(home string) error {
	viper.SetDefault("Verbose", false)
	viper.SetDefault("device.id", "sim0")
	viper.SetDefault("device.lag", 0)
	viper.SetDefault("device.noise", 0.0)
	viper.SetDefault("device.faultafter", 0)
	viper.SetDefault("writing.basepath", filepath.Join(home, "galvoscan_data"))
	viper.SetDefault("writing.format", "npy")
	viper.SetDefault("ports.base", 5600)
	viper.SetDefault("http.addr", ":5680")
	viper.SetDefault("clickhouse.addr", "")
	viper.SetDefault("preview.dir", "")
	viper.SetDefault("preview.rate", 2.0)
	viper.SetDefault("publish.rate", 10.0)

	dotGalvoscan := filepath.Join(home, ".galvoscan")
	const filename string = "config"
	const suffix string = ".yaml"
	if _, err := makeFileExist(dotGalvoscan, filename+suffix); err != nil {
		return err
	}

	viper.SetConfigName(filename)
	viper.AddConfigPath(filepath.FromSlash("/etc/galvoscan"))
	viper.AddConfigPath(dotGalvoscan)
	viper.AddConfigPath(".")
	err := viper.ReadInConfig() // Find and read the config file
	if err != nil {             // Handle errors reading the config file
		return fmt.Errorf("error reading config file: %s", err)
	}
	return nil
}

func startLogger(pfname string) *log.Logger {
	probFile, err := os.OpenFile(pfname, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		msg := fmt.Sprintf("Could not open log file '%s'", pfname)
		panic(msg)
	}
	probLogger := log.New(probFile, "", log.LstdFlags)
	probLogger.SetOutput(&lumberjack.Logger{
		Filename:   pfname,
		MaxSize:    10,   // megabytes after which new file is created
		MaxBackups: 4,    // number of backups
		MaxAge:     180,  // days
		Compress:   true, // whether to gzip the backups
	})
	return probLogger
}

func newDevice() *galvoscan.SimulatedDevice {
	dev := galvoscan.NewSimulatedDevice(viper.GetString("device.id"))
	dev.Lag = viper.GetInt("device.lag")
	dev.Noise = viper.GetFloat64("device.noise")
	dev.FaultAfter = viper.GetInt("device.faultafter")
	dev.Seed = time.Now().UnixNano()
	return dev
}

// addConsumers registers the frame publisher and, if configured, the preview
// writer. Either failing is logged and otherwise ignored.
func addConsumers(session *galvoscan.ScanSession) {
	fp, err := galvoscan.NewFramePublisher(galvoscan.Ports.Frames, viper.GetFloat64("publish.rate"))
	if err != nil {
		galvoscan.ProblemLogger.Printf("Frames will not be published: %v", err)
	} else if err := session.AddConsumer("publisher", fp, 8); err != nil {
		galvoscan.ProblemLogger.Print(err)
	}

	if dir := viper.GetString("preview.dir"); dir != "" {
		pw, err := preview.New(dir, session.Params().InputRange, viper.GetFloat64("preview.rate"))
		if err != nil {
			galvoscan.ProblemLogger.Printf("Preview images will not be written: %v", err)
		} else if err := session.AddConsumer("preview", pw, 2); err != nil {
			galvoscan.ProblemLogger.Print(err)
		}
	}
}

func main() {
	buildDate = strings.Replace(buildDate, ".", " ", -1) // workaround for Make problems
	galvoscan.Build.Date = buildDate
	galvoscan.Build.Githash = githash
	galvoscan.Build.Gitdate = gitdate
	galvoscan.Build.Summary = fmt.Sprintf("galvoscan version %s (git commit %s of %s)", galvoscan.Build.Version, githash, gitdate)
	if host, err := os.Hostname(); err == nil {
		galvoscan.Build.Host = host
	} else {
		galvoscan.Build.Host = "host not detected"
	}

	printVersion := flag.Bool("version", false, "print version and quit")
	startNow := flag.Bool("start", false, "start scanning as soon as the server is up")
	pingDB := flag.Bool("ping", false, "check the ClickHouse server named by clickhouse.addr and quit")
	cpuprofile := flag.String("cpuprofile", "", "write CPU profile to given file")
	memprofile := flag.String("memprofile", "", "write memory profile to given file")
	flag.Parse()

	if *printVersion {
		fmt.Printf("This is galvoscan version %s\n", galvoscan.Build.Version)
		fmt.Printf("Git commit hash: %s\n", githash)
		fmt.Printf("Build time: %s\n", buildDate)
		fmt.Printf("Built on go version %s\n", runtime.Version())
		fmt.Printf("Running on %d CPUs.\n", runtime.NumCPU())
		os.Exit(0)
	}

	banner := fmt.Sprintf("\nThis is galvoscan version %s (git commit %s)\n", galvoscan.Build.Version, githash)
	fmt.Print(banner)

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	// Start logging problems and updates to 2 log files.
	HOME, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	logdir := filepath.Join(HOME, ".galvoscan", "logs")
	problemname, err := makeFileExist(logdir, "problems.log")
	if err != nil {
		panic(err)
	}
	logname, err := makeFileExist(logdir, "updates.log")
	if err != nil {
		panic(err)
	}
	galvoscan.ProblemLogger = startLogger(problemname)
	galvoscan.UpdateLogger = startLogger(logname)
	fmt.Printf("Logging problems       to %s\n", problemname)
	fmt.Printf("Logging client updates to %s\n\n", logname)
	galvoscan.UpdateLogger.Printf("\n\n\n\n%s", banner)

	// Find config file, creating it if needed, and read it.
	if err := setupViper(HOME); err != nil {
		panic(err)
	}
	if *pingDB {
		if err := scandb.PingServer(viper.GetString("clickhouse.addr")); err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	galvoscan.SetPortnumbers(viper.GetInt("ports.base"))

	params, err := galvoscan.ScanParametersFromConfig()
	if err != nil {
		galvoscan.ProblemLogger.Printf("Using default scan parameters: %v", err)
		fmt.Printf("Stored scan parameters are unusable (%v); using defaults\n", err)
		params = galvoscan.DefaultScanParameters()
	}
	session, err := galvoscan.NewScanSession(newDevice(), params)
	if err != nil {
		panic(err)
	}
	if err := session.SetWritingDefaults(viper.GetString("writing.basepath"), viper.GetString("writing.format")); err != nil {
		galvoscan.ProblemLogger.Print(err)
	}

	abort := make(chan struct{})
	db := scandb.Dummy()
	if addr := viper.GetString("clickhouse.addr"); addr != "" {
		db = scandb.Start(addr, &scandb.ActivityMessage{
			ID:        ulid.Make().String(),
			Hostname:  galvoscan.Build.Host,
			Githash:   githash,
			Version:   galvoscan.Build.Version,
			GoVersion: runtime.Version(),
			CPUs:      runtime.NumCPU(),
			Start:     galvoscan.StartTime,
		}, abort)
		if !db.IsConnected() {
			fmt.Printf("Runs will not be recorded in ClickHouse at %s: %v\n", addr, db.Err())
		}
	}
	session.SetRunDatabase(db)
	addConsumers(session)

	go func() {
		if err := galvoscan.RunClientUpdater(galvoscan.Ports.Status, abort); err != nil {
			galvoscan.ProblemLogger.Printf("Client updater: %v", err)
		}
	}()
	go func() {
		if err := galvoscan.RunHTTPServer(session, viper.GetString("http.addr"), abort); err != nil {
			galvoscan.ProblemLogger.Printf("HTTP server: %v", err)
		}
	}()
	go func() {
		for fault := range session.Faults() {
			fmt.Printf("Scanning stopped by device fault: %v\n", fault)
		}
	}()
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		close(abort)
	}()

	if *startNow {
		if err := session.Start(); err != nil {
			fmt.Printf("Could not start scanning: %v\n", err)
		}
	}
	fmt.Printf("Scan session %s on device %s: RPC port %d, status port %d, frames port %d\n",
		session.ID(), viper.GetString("device.id"), galvoscan.Ports.RPC, galvoscan.Ports.Status, galvoscan.Ports.Frames)
	if err := galvoscan.RunRPCServer(session, galvoscan.Ports.RPC, abort); err != nil {
		galvoscan.ProblemLogger.Printf("RPC server: %v", err)
		fmt.Println(err)
	}
	if err := session.Close(); err != nil {
		galvoscan.ProblemLogger.Printf("Closing scan session: %v", err)
	}
	if db.IsConnected() {
		db.Wait()
	}
	writeMemoryProfile(memprofile)
}

// writeMemoryProfile writes the memory use profile to the indicated file.
// If `memprofile` points to an empty string, do not write.
func writeMemoryProfile(memprofile *string) {
	if *memprofile == "" {
		return
	}

	f, err := os.Create(*memprofile)
	if err != nil {
		log.Fatal("could not create memory profile: ", err)
	}
	defer f.Close()
	runtime.GC() // get up-to-date statistics
	if err := pprof.WriteHeapProfile(f); err != nil {
		log.Fatal("could not write memory profile: ", err)
	}
}
