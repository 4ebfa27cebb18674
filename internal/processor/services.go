package processor

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"time"
)

// RegisterBuiltins installs the services every daemon ships: "echo"
// answers with its own arguments, "sys.info" reports runtime facts.
func RegisterBuiltins(reg *Registry) error {
	if err := reg.Register("echo", ServiceFunc(echoService)); err != nil {
		return err
	}
	return reg.Register("sys.info", ServiceFunc(sysInfoService))
}

func echoService(_ context.Context, args []byte) ([]byte, error) {
	out := make([]byte, len(args))
	copy(out, args)
	return out, nil
}

// sysInfo is the JSON shape of a sys.info response.
type sysInfo struct {
	GoVersion     string `json:"go_version"`
	NumCPU        int    `json:"num_cpu"`
	NumGoroutine  int    `json:"num_goroutine"`
	PID           int    `json:"pid"`
	UnixTimestamp int64  `json:"unix_timestamp"`
}

func sysInfoService(_ context.Context, _ []byte) ([]byte, error) {
	return json.Marshal(sysInfo{
		GoVersion:     runtime.Version(),
		NumCPU:        runtime.NumCPU(),
		NumGoroutine:  runtime.NumGoroutine(),
		PID:           os.Getpid(),
		UnixTimestamp: time.Now().Unix(),
	})
}
