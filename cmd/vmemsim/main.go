// vmemsim boots the memory subsystem on a simulated machine and runs a memory
// reference workload against two demand-paged VM pools.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/NebulousLabs/Sia/build"
	"github.com/NebulousLabs/Sia/persist"

	"github.com/NebulousLabs/vmem"
)

const (
	// codePoolBase and heapPoolBase are the start addresses of the two VM
	// pools created by vmemsim.
	codePoolBase = 512 << 20
	heapPoolBase = 1 << 30

	// vmPoolSize is the size of both VM pools.
	vmPoolSize = 256 << 20
)

// errAborted is returned when the user quits while stepping.
var errAborted = errors.New("aborted")

func main() {
	configPath := flag.String("config", "", "boot config in JSON, defaults are used if empty")
	writeConfig := flag.String("writeconfig", "", "write the effective boot config to this file and exit")
	logPath := flag.String("log", "vmemsim.log", "log file")
	frameMap := flag.String("framemap", "", "render the frame pools to this PNG after the workload")
	step := flag.Bool("step", false, "wait for a key between workload phases")
	regions := flag.Int("regions", 16, "number of regions allocated by the workload")
	flag.Parse()

	if err := run(*configPath, *writeConfig, *logPath, *frameMap, *step, *regions); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath, writeConfig, logPath, frameMap string, step bool, regions int) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if writeConfig != "" {
		return saveConfig(writeConfig, cfg)
	}
	if regions <= 0 {
		return fmt.Errorf("regions must be positive, got %v", regions)
	}

	log, err := persist.NewFileLogger(logPath)
	if err != nil {
		return build.ExtendErr("unable to create logger", err)
	}
	defer log.Close()

	m, pt, err := vmem.Boot(cfg, log)
	if err != nil {
		return build.ExtendErr("boot failed", err)
	}
	processPool := m.Paging().ProcessPool
	codePool, err := m.NewVMPool(codePoolBase, vmPoolSize, processPool, pt)
	if err != nil {
		return build.ExtendErr("unable to create code pool", err)
	}
	heapPool, err := m.NewVMPool(heapPoolBase, vmPoolSize, processPool, pt)
	if err != nil {
		return build.ExtendErr("unable to create heap pool", err)
	}
	fmt.Printf("booted: %v bytes of memory, directory at %#x\n", cfg.MemorySize, pt.DirectoryAddress())

	st, err := newStepper(step)
	if err != nil {
		return err
	}
	defer st.Close()

	stats, err := runWorkload(m, []*vmem.VMPool{codePool, heapPool}, regions, st)
	if errors.Is(err, errAborted) {
		fmt.Println("aborted")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Println(stats)

	if frameMap != "" {
		if err := renderFrameMap(frameMap, m.FramePools()); err != nil {
			return err
		}
		fmt.Println("frame map written to", frameMap)
	}
	return nil
}
