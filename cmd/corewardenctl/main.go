package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/Finesssee/CoreWarden/internal/config"
	"github.com/Finesssee/CoreWarden/internal/ipc"
	"github.com/Finesssee/CoreWarden/internal/supervisor"
	"github.com/Finesssee/CoreWarden/internal/sysproxy"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd := strings.ToLower(strings.TrimSpace(os.Args[1]))

	fs := flag.NewFlagSet("corewardenctl "+cmd, flag.ExitOnError)
	socketPath := fs.String("socket", config.DefaultSocketPath, "Path to the daemon control socket")
	configPath := fs.String("config", "", "Path to the core config.json")
	corePath := fs.String("core", "", "Path to the proxy core binary")
	proxyHost := fs.String("proxy-host", "", "System proxy host override")
	proxyPort := fs.Int("proxy-port", 0, "System proxy port override")
	tail := fs.Int("tail", 0, "Number of trailing log lines (0 = all)")
	jsonOut := fs.Bool("json", true, "Output JSON when applicable")
	_ = fs.Parse(os.Args[2:])

	client := ipc.NewClient(*socketPath)

	switch cmd {
	case "ping":
		if err := client.Ping(); err != nil {
			fatal(err)
		}
		fmt.Println("pong")
	case "version":
		info, err := client.Version()
		if err != nil {
			fatal(err)
		}
		fmt.Printf("CoreWarden Daemon Version: %s, Commit: %s, BuiltAt: %s\n",
			info.Version, info.Commit, info.BuildDate)
	case "start":
		if *configPath == "" || *corePath == "" {
			fmt.Fprintln(os.Stderr, "start requires -config and -core")
			os.Exit(2)
		}
		var override *sysproxy.Override
		if *proxyPort > 0 {
			host := *proxyHost
			if host == "" {
				host = "127.0.0.1"
			}
			override = &sysproxy.Override{Enabled: true, Host: host, Port: *proxyPort}
		}
		res, err := client.Start(*configPath, *corePath, override)
		if err != nil {
			fatal(err)
		}
		printJSON(res, *jsonOut)
	case "stop":
		if err := client.Stop(); err != nil {
			fatal(err)
		}
		fmt.Println("stopped")
	case "restart":
		res, err := client.Restart()
		if err != nil {
			fatal(err)
		}
		printJSON(res, *jsonOut)
	case "status":
		report, err := client.Status()
		if err != nil {
			fatal(err)
		}
		printStatus(report, *jsonOut)
	case "logs":
		entries, err := client.Logs(*tail)
		if err != nil {
			fatal(err)
		}
		for _, e := range entries {
			fmt.Printf("%s %s\n", e.Timestamp.Format("2006-01-02 15:04:05"), e.Text)
		}
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: corewardenctl <ping|version|start|stop|restart|status|logs> [flags]")
	fmt.Fprintln(os.Stderr, "Flags: -socket <path> -config <path> -core <path> -proxy-host <host> -proxy-port <port> -tail <n>")
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}

func printJSON(v interface{}, jsonOut bool) {
	if jsonOut {
		data, _ := json.MarshalIndent(v, "", "  ")
		fmt.Println(string(data))
		return
	}
	fmt.Printf("%+v\n", v)
}

func printStatus(report supervisor.StatusReport, jsonOut bool) {
	if jsonOut {
		printJSON(report, true)
		return
	}
	switch report.State {
	case "running":
		fmt.Printf("running pid=%d uptime=%ds\n", report.PID, report.UptimeSeconds)
	case "crashed":
		code := -1
		if report.LastExitCode != nil {
			code = *report.LastExitCode
		}
		fmt.Printf("crashed exit_code=%d reason=%s\n", code, report.ErrorReason)
	default:
		fmt.Println("stopped")
	}
}
