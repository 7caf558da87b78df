// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/TheThingsNetwork/go-utils/handlers/cli"
	"github.com/apex/log"
	"github.com/apex/log/handlers/json"
	"github.com/apex/log/handlers/multi"
	"github.com/spf13/cobra"
)

var ctx *log.Logger

var logFile *os.File

// GatewayCmd is the main command that is executed when running device-gateway
var GatewayCmd = &cobra.Command{
	Use:   "device-gateway",
	Short: "Multi-protocol device gateway",
	Long:  `device-gateway translates device traffic on MQTT, AMQP, HTTP and SOAP into measurements for the device service`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		handler, err := logHandler(config.GetString("log-file"))
		if err != nil {
			panic(err)
		}
		ctx = &log.Logger{
			Level:   log.DebugLevel,
			Handler: handler,
		}
	},
	Run: runGateway,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logFile != nil {
			time.Sleep(100 * time.Millisecond)
			logFile.Close()
		}
	},
}

// logHandler writes to stdout and, if a location is given, as JSON to the log file
func logHandler(location string) (log.Handler, error) {
	handlers := []log.Handler{cli.New(os.Stdout)}
	if location == "" {
		return multi.New(handlers...), nil
	}
	location, err := filepath.Abs(location)
	if err != nil {
		return nil, err
	}
	logFile, err = os.OpenFile(location, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	return multi.New(append(handlers, json.New(logFile))...), nil
}

// Execute is called by main.go
func Execute() {
	defer func() {
		if thePanic := recover(); thePanic != nil {
			buf := make([]byte, 1<<16)
			buf = buf[:runtime.Stack(buf, false)]
			if ctx == nil {
				panic(thePanic)
			}
			ctx.WithField("panic", thePanic).WithField("stack", string(buf)).Fatal("Stopping because of panic")
		}
	}()

	if err := GatewayCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	GatewayCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Location of the config file")
}
