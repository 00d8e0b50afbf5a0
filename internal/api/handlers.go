package api

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/tkratochvila/verify-go-rewrite/internal/oslc"
)

const (
	statusOK  = "OK"
	statusNOK = "NOK"

	msgUnrecognised = "Request unrecognised."
)

// dispatch maps a parsed request to an orchestration call and formats the
// reply. Every error surfaces as a NOK status with a textual body; nothing
// propagates.
func (s *Server) dispatch(req Request) (string, string) {
	switch req.Kind {
	case KindVerify:
		return s.handleVerify(req)
	case KindMonitor:
		return s.handleMonitor(req)
	case KindUpload:
		return s.handleUpload(req)
	case KindQuery:
		return s.handleQuery(req)
	case KindWorkspace:
		return s.handleWorkspace(req)
	default:
		return statusNOK, msgUnrecognised
	}
}

func (s *Server) handleVerify(req Request) (string, string) {
	fields, err := oslc.ParseVerifyRequest(req.FileData)
	if err != nil {
		return statusNOK, "Error: " + err.Error()
	}
	started, reportID, err := s.svc.Verify(req.WorkspaceID, fields)
	if err != nil {
		return statusNOK, "Error: " + err.Error()
	}
	if started {
		return statusOK, fmt.Sprintf("Verification successfully started.\nMonitor or request report n. %d", reportID)
	}
	return statusOK, fmt.Sprintf("Verification result already known.\nRequest report n. %d", reportID)
}

func (s *Server) handleMonitor(req Request) (string, string) {
	doc, err := s.svc.Monitoring(req.WorkspaceID, req.ReportID)
	if err != nil {
		return statusNOK, "Error: " + err.Error()
	}
	return statusOK, doc
}

func (s *Server) handleUpload(req Request) (string, string) {
	isNew, fileID, err := s.svc.AddFile(req.WorkspaceID, req.FileName, req.FileData)
	if err != nil {
		return statusNOK, "Error: " + err.Error()
	}
	if isNew {
		return statusOK, fmt.Sprintf("File successfully uploaded under id:%d", fileID)
	}
	return statusNOK, fmt.Sprintf("File already stored under id:%d", fileID)
}

func (s *Server) handleQuery(req Request) (string, string) {
	switch {
	case req.Cmd == "":
		return statusNOK, "No query specified."
	case strings.Contains(req.Cmd, "kill"):
		return s.handleKill(req)
	case strings.Contains(req.Cmd, "availability"):
		return statusOK, s.svc.Availability()
	default:
		// A present but unrecognized command is answered with an empty body.
		return statusOK, ""
	}
}

// handleKill extracts the report ID as the last space-separated token of
// the cmd value.
func (s *Server) handleKill(req Request) (string, string) {
	idx := strings.LastIndexByte(req.Cmd, ' ')
	if idx < 0 {
		return statusNOK, "Error: No report to kill specified."
	}
	reportID, err := strconv.ParseUint(req.Cmd[idx+1:], 10, 64)
	if err != nil {
		return statusNOK, "Error: Could not read the report number."
	}
	if err := s.svc.KillTask(req.WorkspaceID, reportID); err != nil {
		return statusNOK, "Error: " + err.Error()
	}
	return statusOK, ""
}

func (s *Server) handleWorkspace(req Request) (string, string) {
	switch req.Cmd {
	case "new":
		id, webPath, err := s.svc.CreateWorkspace(req.Tool)
		if err != nil {
			log.Debug().Err(err).Str("tool", req.Tool).Msg("Workspace creation failed")
			return statusNOK, "Workspace creation failed:" + err.Error()
		}
		return statusOK, fmt.Sprintf("Workspace successfully created.\n   id:%s\n   path:%q", id, webPath)
	case "destroy":
		s.svc.DestroyWorkspace(req.WorkspaceID)
		return statusOK, fmt.Sprintf("Workspace %s destroyed.", req.WorkspaceID)
	default:
		return statusNOK, msgUnrecognised
	}
}
