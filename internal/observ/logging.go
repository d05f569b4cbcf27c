package observ

import (
	"encoding/json"
	"fmt"
	"time"
)

func Log(event string, kv map[string]any) {
	if kv == nil {
		kv = map[string]any{}
	}
	kv["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	kv["event"] = event
	b, _ := json.Marshal(kv)
	fmt.Println(string(b))
}

// Error logs an error under a stable event name, keeping the raw error text
// out of the event key so dashboards can aggregate.
func Error(event string, err error, kv map[string]any) {
	if kv == nil {
		kv = map[string]any{}
	}
	kv["error"] = err.Error()
	Log(event, kv)
}
