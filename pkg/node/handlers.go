package node

import (
	"encoding/json"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/buzzer/pkg/game"
)

// healthz returns 200 OK to indicate the device is alive.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type infoResponse struct {
	PID      int         `json:"pid"`
	Now      time.Time   `json:"now"`
	Instance string      `json:"instance"`
	LinkAddr string      `json:"link_addr,omitempty"`
	Status   game.Status `json:"status"`
}

// info writes a JSON payload with the process ID, current time, and the
// machine's status snapshot.
func (n *Node) Info(w http.ResponseWriter, _ *http.Request) {
	data, err := json.Marshal(infoResponse{
		PID:      os.Getpid(),
		Now:      time.Now(),
		Instance: n.instance,
		LinkAddr: n.linkAddr,
		Status:   n.dev.Status(),
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// press raises the button edge, for devices without a physical button.
func (n *Node) Press(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	n.btn.Press()
	n.log.Debug("button pressed over http", zap.String("remote", req.RemoteAddr))
	w.WriteHeader(http.StatusAccepted)
}
