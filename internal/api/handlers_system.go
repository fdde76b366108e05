package api

import (
	"net/http"
	"time"

	"github.com/reguard/reguard/internal/faults"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"started_at":     s.startedAt,
	}
	if s.orch != nil {
		out["orchestrator"] = s.orch.GetStatus()
	}
	if s.cfgLoader != nil && s.cfgLoader.FilePath() != "" {
		out["config_file"] = s.cfgLoader.FilePath()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleEnableAgent(w http.ResponseWriter, r *http.Request) {
	s.setAgentEnabled(w, r, true)
}

func (s *Server) handleDisableAgent(w http.ResponseWriter, r *http.Request) {
	s.setAgentEnabled(w, r, false)
}

func (s *Server) setAgentEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	if s.orch == nil {
		writeFault(w, r, faults.New(faults.KindConfiguration, "orchestrator is not running"))
		return
	}
	agentType := r.PathValue("type")
	if !s.orch.SetAgentEnabled(agentType, enabled) {
		writeFault(w, r, faults.Newf(faults.KindNotFound, "agent type %s not registered", agentType))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agent_type": agentType,
		"enabled":    enabled,
	})
}
