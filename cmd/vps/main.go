// vps is the CLI for the vpsd virtual private server daemon.
//
// Commands:
//
//	vps up        Start the vpsd daemon
//	vps down      Stop the vpsd daemon
//	vps create    Provision a new instance
//	vps list      List instances
//	vps start     Boot an instance
//	vps stop      Shut an instance down
//	vps status    Show daemon status
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hopingboyz/vpsd/internal/client"
	"github.com/hopingboyz/vpsd/internal/engine"
	"github.com/hopingboyz/vpsd/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "up":
		cmdUp()
	case "down":
		cmdDown()
	case "status":
		cmdStatus()
	case "create":
		cmdCreate()
	case "list":
		cmdList()
	case "info":
		cmdInfo()
	case "start":
		cmdStart()
	case "stop":
		cmdStop()
	case "restart":
		cmdRestart()
	case "delete":
		cmdDelete()
	case "resize":
		cmdResize()
	case "console":
		cmdConsole()
	case "usage":
		cmdUsage()
	case "variants":
		cmdVariants()
	case "images":
		cmdImages()
	case "pull":
		cmdPull()
	case "stats":
		cmdStats()
	case "cleanup":
		cmdCleanup()
	case "admin":
		cmdAdmin()
	case "ban":
		cmdBan()
	case "unban":
		cmdUnban()
	case "banned":
		cmdBanned()
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`Usage: vps <command> [options]

Commands:
  up         Start the vpsd daemon
  down       Stop the vpsd daemon
  status     Show daemon status
  create     Provision a new instance
  list       List instances (--owner ID to filter)
  info       Show instance details
  start      Boot an instance
  stop       Shut an instance down
  restart    Restart an instance
  delete     Delete an instance and its disk
  resize     Grow an instance's root disk
  console    Print the tail of an instance's console log
  usage      Show an instance's resource usage
  variants   List available OS variants
  images     List cached base images
  pull       Pre-download a base image
  stats      Show daemon statistics
  cleanup    Remove orphaned instance files
  admin      Manage admins (add, remove, list)
  ban        Ban a user from provisioning
  unban      Lift a ban
  banned     List banned users

Examples:
  vps up
  vps create --owner 42 --variant ubuntu-22.04 --user dev --password hunter2
  vps create --owner 42 --variant debian-12 --memory 4096 --cpus 2 --disk 50
  vps start vps-1a2b3c4d
  vps console vps-1a2b3c4d
  vps down`)
}

func pidFilePath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".vpsd", "vpsd.pid")
}

func isDaemonRunning() bool {
	data, err := os.ReadFile(pidFilePath())
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// apiClient returns a client, exiting if the daemon is not up.
func apiClient() *client.Client {
	if !isDaemonRunning() {
		fmt.Fprintln(os.Stderr, "vpsd is not running. Run 'vps up' first.")
		os.Exit(1)
	}
	return client.NewDefault()
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func cmdUp() {
	if isDaemonRunning() {
		fmt.Println("vpsd is already running")
		return
	}

	exe, _ := os.Executable()
	daemonBin := filepath.Join(filepath.Dir(exe), "vpsd")
	if _, err := os.Stat(daemonBin); err != nil {
		fatal("vpsd binary not found at %s", daemonBin)
	}

	cmd := exec.Command(daemonBin)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		fatal("start vpsd: %v", err)
	}

	time.Sleep(500 * time.Millisecond)

	for i := 0; i < 10; i++ {
		if isDaemonRunning() {
			fmt.Printf("vpsd started (pid %d)\n", cmd.Process.Pid)
			return
		}
		time.Sleep(200 * time.Millisecond)
	}

	fatal("vpsd did not start within timeout")
}

func cmdDown() {
	data, err := os.ReadFile(pidFilePath())
	if err != nil {
		fmt.Println("vpsd is not running")
		return
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		fmt.Println("vpsd is not running (invalid pid file)")
		return
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		fmt.Println("vpsd is not running")
		return
	}

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		fatal("send SIGTERM: %v", err)
	}

	fmt.Printf("vpsd stopping (pid %d)\n", pid)

	for i := 0; i < 50; i++ {
		if !isDaemonRunning() {
			fmt.Println("vpsd stopped")
			return
		}
		time.Sleep(100 * time.Millisecond)
	}

	fatal("vpsd did not stop within timeout")
}

func cmdStatus() {
	if !isDaemonRunning() {
		fmt.Println("vpsd: not running")
		return
	}

	status, err := client.NewDefault().Status(context.Background())
	if err != nil {
		fatal("get status: %v", err)
	}
	fmt.Printf("vpsd: %s\n", status.Status)
}

// cmdCreate provisions a new instance.
// vps create --owner ID --variant VARIANT --user NAME --password PW
// [--hostname HOST] [--memory MB] [--cpus N] [--disk GB] [--gui]
// [--forward PORT]...
func cmdCreate() {
	args := os.Args[2:]
	spec := engine.ProvisionSpec{}

	strArg := func(i int, name string) string {
		if i+1 >= len(args) {
			fatal("%s requires a value", name)
		}
		return args[i+1]
	}
	intArg := func(i int, name string) int {
		v, err := strconv.Atoi(strArg(i, name))
		if err != nil {
			fatal("invalid %s value: %s", name, args[i+1])
		}
		return v
	}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--owner":
			spec.OwnerID = int64(intArg(i, "--owner"))
			i++
		case "--variant":
			spec.Variant = strArg(i, "--variant")
			i++
		case "--hostname":
			spec.Hostname = strArg(i, "--hostname")
			i++
		case "--user":
			spec.Username = strArg(i, "--user")
			i++
		case "--password":
			spec.Password = strArg(i, "--password")
			i++
		case "--memory":
			spec.MemoryMB = intArg(i, "--memory")
			i++
		case "--cpus":
			spec.CPUs = intArg(i, "--cpus")
			i++
		case "--disk":
			spec.DiskBytes = int64(intArg(i, "--disk")) << 30
			i++
		case "--forward":
			p := intArg(i, "--forward")
			spec.ExtraForwards = append(spec.ExtraForwards, store.PortForward{HostPort: p, GuestPort: p})
			i++
		case "--gui":
			spec.GUIMode = true
		default:
			fatal("unknown flag: %s", args[i])
		}
	}

	if spec.OwnerID == 0 || spec.Variant == "" {
		fatal("usage: vps create --owner ID --variant VARIANT --user NAME --password PW [options]")
	}

	inst, err := apiClient().Provision(context.Background(), spec)
	if err != nil {
		fatal("create: %v", err)
	}

	fmt.Printf("Instance created: %s\n", inst.ID)
	fmt.Printf("  variant:  %s\n", inst.Variant)
	fmt.Printf("  hostname: %s\n", inst.Hostname)
	fmt.Printf("  ssh port: %d\n", inst.SSHPort)
	fmt.Printf("Run 'vps start %s' to boot it.\n", inst.ID)
}

func cmdList() {
	var ownerID int64
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		if args[i] == "--owner" && i+1 < len(args) {
			v, err := strconv.ParseInt(args[i+1], 10, 64)
			if err != nil {
				fatal("invalid owner: %s", args[i+1])
			}
			ownerID = v
			i++
		}
	}

	instances, err := apiClient().ListInstances(context.Background(), ownerID)
	if err != nil {
		fatal("list: %v", err)
	}

	if len(instances) == 0 {
		fmt.Println("No instances")
		return
	}

	fmt.Printf("%-14s %-10s %-14s %-8s %-6s %s\n", "ID", "STATE", "VARIANT", "SSH", "PID", "OWNER")
	for _, inst := range instances {
		fmt.Printf("%-14s %-10s %-14s %-8d %-6d %d\n",
			inst.ID, inst.State, inst.Variant, inst.SSHPort, inst.PID, inst.OwnerID)
	}
}

func cmdInfo() {
	id := requireID("info")
	inst, err := apiClient().GetInstance(context.Background(), id)
	if err != nil {
		fatal("info: %v", err)
	}

	fmt.Printf("ID:       %s\n", inst.ID)
	fmt.Printf("State:    %s\n", inst.State)
	fmt.Printf("Owner:    %d\n", inst.OwnerID)
	fmt.Printf("Variant:  %s\n", inst.Variant)
	fmt.Printf("Hostname: %s\n", inst.Hostname)
	fmt.Printf("SSH port: %d\n", inst.SSHPort)
	fmt.Printf("Memory:   %d MB\n", inst.MemoryMB)
	fmt.Printf("CPUs:     %d\n", inst.CPUs)
	fmt.Printf("Disk:     %d GB\n", inst.DiskBytes>>30)
	if inst.PID != 0 {
		fmt.Printf("PID:      %d\n", inst.PID)
	}
}

func cmdStart() {
	id := requireID("start")
	res, err := apiClient().StartInstance(context.Background(), id)
	if err != nil {
		fatal("start: %v", err)
	}
	fmt.Printf("Instance %s running (pid %d)\n", res.ID, res.PID)
}

func cmdStop() {
	id := requireID("stop")
	force := false
	for _, arg := range os.Args[3:] {
		if arg == "--force" {
			force = true
		}
	}
	if err := apiClient().StopInstance(context.Background(), id, force); err != nil {
		fatal("stop: %v", err)
	}
	fmt.Printf("Instance %s stopped\n", id)
}

func cmdRestart() {
	id := requireID("restart")
	res, err := apiClient().RestartInstance(context.Background(), id)
	if err != nil {
		fatal("restart: %v", err)
	}
	fmt.Printf("Instance %s running (pid %d)\n", res.ID, res.PID)
}

func cmdDelete() {
	id := requireID("delete")
	if err := apiClient().DeleteInstance(context.Background(), id); err != nil {
		fatal("delete: %v", err)
	}
	fmt.Printf("Instance %s deleted\n", id)
}

// cmdResize grows an instance's root disk.
// vps resize ID GB
func cmdResize() {
	if len(os.Args) < 4 {
		fatal("usage: vps resize INSTANCE_ID SIZE_GB")
	}
	id := os.Args[2]
	gb, err := strconv.Atoi(os.Args[3])
	if err != nil || gb <= 0 {
		fatal("invalid size: %s", os.Args[3])
	}

	size, err := apiClient().ResizeDisk(context.Background(), id, int64(gb)<<30)
	if err != nil {
		fatal("resize: %v", err)
	}
	fmt.Printf("Instance %s disk: %d GB\n", id, size>>30)
}

func cmdConsole() {
	id := requireID("console")
	var maxBytes int64
	args := os.Args[3:]
	for i := 0; i < len(args); i++ {
		if args[i] == "--bytes" && i+1 < len(args) {
			v, err := strconv.ParseInt(args[i+1], 10, 64)
			if err != nil {
				fatal("invalid --bytes value: %s", args[i+1])
			}
			maxBytes = v
			i++
		}
	}

	tail, err := apiClient().Console(context.Background(), id, maxBytes)
	if err != nil {
		fatal("console: %v", err)
	}
	os.Stdout.Write(tail)
}

func cmdUsage() {
	id := requireID("usage")
	sample, err := apiClient().Usage(context.Background(), id)
	if err != nil {
		fatal("usage: %v", err)
	}
	if !sample.Known {
		fmt.Printf("Instance %s: no live process sample\n", id)
		return
	}
	fmt.Printf("Instance %s (pid %d)\n", id, sample.PID)
	fmt.Printf("  CPU:  %.1f%%\n", sample.CPUPercent)
	fmt.Printf("  RSS:  %d MB\n", sample.RSSBytes>>20)
	fmt.Printf("  Disk: %d MB\n", sample.DiskBytes>>20)
}

func cmdVariants() {
	variants, err := apiClient().ListVariants(context.Background())
	if err != nil {
		fatal("variants: %v", err)
	}

	fmt.Printf("%-16s %-24s %s\n", "ID", "NAME", "URL")
	for _, v := range variants {
		fmt.Printf("%-16s %-24s %s\n", v.ID, v.Name, v.URL)
	}
}

func cmdImages() {
	images, err := apiClient().ListImages(context.Background())
	if err != nil {
		fatal("images: %v", err)
	}

	if len(images) == 0 {
		fmt.Println("No cached images")
		return
	}

	fmt.Printf("%-16s %-12s %s\n", "VARIANT", "STATUS", "SIZE")
	for _, img := range images {
		fmt.Printf("%-16s %-12s %d MB\n", img.Variant, img.Status, img.SizeBytes>>20)
	}
}

func cmdPull() {
	variant := requireID("pull")
	fmt.Printf("Downloading %s (this can take a while)...\n", variant)
	if err := apiClient().EnsureImage(context.Background(), variant); err != nil {
		fatal("pull: %v", err)
	}
	fmt.Printf("Image %s ready\n", variant)
}

func cmdStats() {
	stats, err := apiClient().Stats(context.Background())
	if err != nil {
		fatal("stats: %v", err)
	}

	fmt.Printf("Instances: %d total, %d running\n", stats.TotalInstances, stats.RunningInstances)
	fmt.Printf("Allocated: %d MB RAM, %d vCPU\n", stats.AllocatedMemoryMB, stats.AllocatedCPUs)
	fmt.Printf("Storage:   %d MB cached images, %d MB instance disks\n",
		stats.CacheDiskBytes>>20, stats.InstanceDiskBytes>>20)
	fmt.Printf("Counters:\n")
	fmt.Printf("  created:    %d\n", stats.Counters["created"])
	fmt.Printf("  restarted:  %d\n", stats.Counters["restarted"])
	fmt.Printf("  downloaded: %d\n", stats.Counters["downloaded"])
	fmt.Printf("Host:\n")
	fmt.Printf("  CPU:  %.1f%%\n", stats.Host.CPUPercent)
	fmt.Printf("  RAM:  %d / %d MB\n", stats.Host.MemoryUsedBytes>>20, stats.Host.MemoryTotalBytes>>20)
	fmt.Printf("  Disk: %d / %d GB\n", stats.Host.DiskUsedBytes>>30, stats.Host.DiskTotalBytes>>30)
}

func cmdCleanup() {
	removed, err := apiClient().Cleanup(context.Background())
	if err != nil {
		fatal("cleanup: %v", err)
	}
	fmt.Printf("Removed %d orphaned file(s)\n", removed)
}

// cmdAdmin dispatches admin subcommands.
func cmdAdmin() {
	if len(os.Args) < 3 {
		fatal("usage: vps admin <add|remove|list> [USER_ID]")
	}

	c := apiClient()
	switch os.Args[2] {
	case "add":
		userID := requireUserID(3, "admin add")
		if err := c.AddAdmin(context.Background(), userID, 0); err != nil {
			fatal("admin add: %v", err)
		}
		fmt.Printf("Admin %d added\n", userID)
	case "remove":
		userID := requireUserID(3, "admin remove")
		if err := c.RemoveAdmin(context.Background(), userID); err != nil {
			fatal("admin remove: %v", err)
		}
		fmt.Printf("Admin %d removed\n", userID)
	case "list":
		admins, err := c.ListAdmins(context.Background())
		if err != nil {
			fatal("admin list: %v", err)
		}
		if len(admins) == 0 {
			fmt.Println("No admins")
			return
		}
		for _, a := range admins {
			fmt.Printf("%d (added by %d)\n", a.UserID, a.AddedBy)
		}
	default:
		fatal("unknown admin command: %s", os.Args[2])
	}
}

func cmdBan() {
	userID := requireUserID(2, "ban")
	reason := ""
	if len(os.Args) > 3 {
		reason = strings.Join(os.Args[3:], " ")
	}
	if err := apiClient().BanUser(context.Background(), userID, 0, reason); err != nil {
		fatal("ban: %v", err)
	}
	fmt.Printf("User %d banned\n", userID)
}

func cmdUnban() {
	userID := requireUserID(2, "unban")
	if err := apiClient().UnbanUser(context.Background(), userID); err != nil {
		fatal("unban: %v", err)
	}
	fmt.Printf("User %d unbanned\n", userID)
}

func cmdBanned() {
	bans, err := apiClient().ListBanned(context.Background())
	if err != nil {
		fatal("banned: %v", err)
	}
	if len(bans) == 0 {
		fmt.Println("No banned users")
		return
	}
	for _, b := range bans {
		if b.Reason != "" {
			fmt.Printf("%d (by %d): %s\n", b.UserID, b.BannedBy, b.Reason)
		} else {
			fmt.Printf("%d (by %d)\n", b.UserID, b.BannedBy)
		}
	}
}

func requireID(cmd string) string {
	if len(os.Args) < 3 {
		fatal("usage: vps %s INSTANCE_ID", cmd)
	}
	return os.Args[2]
}

func requireUserID(pos int, cmd string) int64 {
	if len(os.Args) <= pos {
		fatal("usage: vps %s USER_ID", cmd)
	}
	userID, err := strconv.ParseInt(os.Args[pos], 10, 64)
	if err != nil {
		fatal("invalid user id: %s", os.Args[pos])
	}
	return userID
}
