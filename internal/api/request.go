package api

import (
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// Kind is the closed enumeration of request types. Construction inspects
// the headers and fails closed to KindMalformed.
type Kind int

const (
	KindMalformed Kind = iota
	KindVerify
	KindMonitor
	KindUpload
	KindQuery
	KindWorkspace
)

func (k Kind) String() string {
	switch k {
	case KindVerify:
		return "verify"
	case KindMonitor:
		return "monitor"
	case KindUpload:
		return "upload"
	case KindQuery:
		return "query"
	case KindWorkspace:
		return "workspace"
	default:
		return "malformed"
	}
}

// Request is one parsed incoming request.
type Request struct {
	Kind        Kind
	WorkspaceID string
	ReportID    uint64
	Cmd         string
	Tool        string
	FileName    string
	FileData    []byte
}

// Uploads are bounded; verification inputs are source-sized artefacts.
const maxUploadBytes = 64 << 20

// parseRequest maps an HTTP request onto the closed request enum.
func parseRequest(r *http.Request) Request {
	if r.Method != http.MethodPost {
		return Request{Kind: KindMalformed}
	}
	switch r.Header.Get("type") {
	case "verify":
		return parseVerify(r)
	case "monitor":
		return parseMonitor(r)
	case "upload":
		return parseUpload(r)
	case "query":
		return parseQuery(r)
	case "workspace":
		return parseWorkspace(r)
	default:
		return Request{Kind: KindMalformed}
	}
}

func parseVerify(r *http.Request) Request {
	req := Request{Kind: KindVerify, WorkspaceID: r.Header.Get("workspace")}
	if req.WorkspaceID == "" {
		return Request{Kind: KindMalformed}
	}
	name, data, ok := readMultipartFile(r)
	if !ok {
		return Request{Kind: KindMalformed}
	}
	req.FileName = name
	req.FileData = data
	return req
}

func parseMonitor(r *http.Request) Request {
	req := Request{Kind: KindMonitor, WorkspaceID: r.Header.Get("workspace")}
	id, err := strconv.ParseUint(r.Header.Get("id"), 10, 64)
	if req.WorkspaceID == "" || err != nil {
		return Request{Kind: KindMalformed}
	}
	req.ReportID = id
	return req
}

func parseUpload(r *http.Request) Request {
	req := Request{Kind: KindUpload, WorkspaceID: r.Header.Get("workspace")}
	if req.WorkspaceID == "" {
		return Request{Kind: KindMalformed}
	}
	name, data, ok := readMultipartFile(r)
	if !ok {
		return Request{Kind: KindMalformed}
	}
	req.FileName = name
	req.FileData = data
	return req
}

func parseQuery(r *http.Request) Request {
	// An empty cmd stays a query: the type was classified, only the command
	// is missing, which gets its own reply.
	req := Request{Kind: KindQuery, Cmd: r.Header.Get("cmd")}
	if strings.Contains(req.Cmd, "kill") {
		req.WorkspaceID = r.Header.Get("workspace")
		if req.WorkspaceID == "" {
			return Request{Kind: KindMalformed}
		}
	}
	return req
}

func parseWorkspace(r *http.Request) Request {
	req := Request{Kind: KindWorkspace, Cmd: r.Header.Get("cmd")}
	switch req.Cmd {
	case "new":
		req.Tool = r.Header.Get("tool")
		if req.Tool == "" {
			return Request{Kind: KindMalformed}
		}
	case "destroy":
		req.WorkspaceID = r.Header.Get("workspace")
		if req.WorkspaceID == "" {
			return Request{Kind: KindMalformed}
		}
	default:
		return Request{Kind: KindMalformed}
	}
	return req
}

// readMultipartFile extracts the first file part of a multipart/form-data
// body: its file name and content.
func readMultipartFile(r *http.Request) (string, []byte, bool) {
	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		return "", nil, false
	}
	boundary, ok := params["boundary"]
	if !ok {
		return "", nil, false
	}
	mr := multipart.NewReader(http.MaxBytesReader(nil, r.Body, maxUploadBytes), boundary)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return "", nil, false
		}
		if err != nil {
			log.Debug().Err(err).Msg("Multipart read failed")
			return "", nil, false
		}
		name := part.FileName()
		if name == "" {
			name = part.FormName()
		}
		data, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			log.Debug().Err(err).Msg("Multipart part read failed")
			return "", nil, false
		}
		if name == "" {
			continue
		}
		return name, data, true
	}
}
