// Command ccchan is a line-oriented chat demo over a Communication
// Channel: it wires the tcp or memory transport to a line Message
// Reader/Writer pair and shows status changes as they happen.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/signature-opensource/ck-commchannel/channel"
	"github.com/signature-opensource/ck-commchannel/fileutil"
	"github.com/signature-opensource/ck-commchannel/message"
	"github.com/signature-opensource/ck-commchannel/metrics"
	"github.com/signature-opensource/ck-commchannel/transport/memory"
	"github.com/signature-opensource/ck-commchannel/transport/tcp"
	"github.com/signature-opensource/ck-commchannel/xlog"
	"github.com/signature-opensource/ck-commchannel/xlog/logrotate"
)

var logger = xlog.NewPackageLogger("github.com/signature-opensource/ck-commchannel/cmd", "ccchan")

func main() {
	os.Exit(realMain(os.Args[1:], os.Stdin, os.Stdout))
}

func realMain(args []string, in *os.File, out *os.File) int {
	app := kingpin.New("ccchan", "line chat demo over a Communication Channel")

	transportFlag := app.Flag("transport", "tcp or memory").Default("memory").Enum("tcp", "memory")
	addrFlag := app.Flag("address", "tcp: host:port to dial or listen on, or a file://, env:// indirection").Default("127.0.0.1:7654").String()
	listenFlag := app.Flag("listen", "tcp: accept instead of dial").Bool()
	endpointFlag := app.Flag("endpoint", "memory: shared endpoint name, or a file://, env:// indirection").Default("ccchan").String()
	logFileFlag := app.Flag("log-file", "rotate logs to this file instead of stderr").String()
	metricsFlag := app.Flag("metrics", "publish metrics to this sink URL (statsd://, dogstatsd://, prometheus://)").String()

	if _, err := app.Parse(args); err != nil {
		fmt.Fprintln(out, err)
		return 1
	}

	address, err := fileutil.LoadConfigWithSchema(*addrFlag)
	if err != nil {
		fmt.Fprintln(out, "failed to resolve --address:", err)
		return 1
	}
	endpoint, err := fileutil.LoadConfigWithSchema(*endpointFlag)
	if err != nil {
		fmt.Fprintln(out, "failed to resolve --endpoint:", err)
		return 1
	}

	if *logFileFlag != "" {
		dir := filepath.Dir(*logFileFlag)
		if err := fileutil.FolderExists(dir); err != nil {
			fmt.Fprintln(out, "--log-file directory:", err)
			return 1
		}
		base := strings.TrimSuffix(filepath.Base(*logFileFlag), filepath.Ext(*logFileFlag))
		stopper, err := logrotate.Initialize(dir, base, 30, 10, false, nil)
		if err != nil {
			fmt.Fprintln(out, "failed to initialize log rotation:", err)
			return 1
		}
		defer stopper.Close()
	}

	if *metricsFlag != "" {
		sink, err := metrics.NewMetricSinkFromURL(*metricsFlag)
		if err != nil {
			fmt.Fprintln(out, "failed to create metrics sink:", err)
			return 1
		}
		if _, err := metrics.NewGlobal(metrics.DefaultConfig("ccchan"), sink); err != nil {
			fmt.Fprintln(out, "failed to initialize metrics:", err)
			return 1
		}
		started := time.Now()
		go func() {
			for range time.Tick(30 * time.Second) {
				metrics.PublishHeartbeat("ccchan", time.Since(started))
			}
		}()
	}

	var cfg channel.Configuration
	if *transportFlag == "tcp" {
		mode := tcp.ModeDial
		if *listenFlag {
			mode = tcp.ModeListen
		}
		cfg = &tcp.Configuration{
			Mode:        mode,
			Address:     address,
			DialTimeout: 5 * time.Second,
			ReadTimeout: 0,
			Reconnect:   true,
		}
	} else {
		memory.Allocate(endpoint)
		defer memory.Deallocate(endpoint)
		cfg = &memory.Configuration{
			EndpointName: endpoint,
			Reconnect:    true,
		}
	}

	ch, err := channel.New(cfg)
	if err != nil {
		fmt.Fprintln(out, "failed to create channel:", err)
		return 1
	}
	defer ch.Dispose()

	unsubscribe := ch.OnStatusChanged(func(evt channel.StatusChanged) {
		logger.Infof("api=status, channel=%d, status=%s, context_entries=%d", evt.Channel.Name(), evt.Status, len(evt.ErrorContext))
		fmt.Fprintf(out, "[status: %s]\n", evt.Status)
	})
	defer unsubscribe()

	reader := message.NewLineReader(ch.Reader(), []byte("\r\n"), "ccchan.reader")
	writer := message.NewLineWriter(ch.Writer(), []byte("\r\n"), "ccchan.writer")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		for {
			msg, err := reader.ReadNext(ctx, 0, nil)
			if err != nil {
				fmt.Fprintln(out, "read error:", err)
				return
			}
			if msg == nil {
				if reader.IsCompleted() {
					return
				}
				continue
			}
			fmt.Fprintf(out, "< %s\n", msg)
		}
	}()

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		ok, err := writer.WriteNext(ctx, line, 0)
		if err != nil {
			fmt.Fprintln(out, "write error:", err)
			return 1
		}
		if !ok {
			fmt.Fprintln(out, "channel closed")
			return 0
		}
	}

	return 0
}
