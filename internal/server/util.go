package server

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
)

// normalizeBase turns a configured base path into "" or "/x/y".
func normalizeBase(bp string) string {
	bp = strings.Trim(strings.TrimSpace(bp), "/")
	if bp == "" {
		return ""
	}
	return "/" + bp
}

var (
	errPathRequired = errors.New("path query param required")
	errPathInvalid  = errors.New("invalid path: must be absolute without traversal")
)

// instanceKey validates a ?path= value and returns the key supervisors are
// indexed by. Trailing separators are tolerated, other cleaning is not.
func instanceKey(raw string) (string, error) {
	if raw == "" {
		return "", errPathRequired
	}
	if !filepath.IsAbs(raw) {
		return "", errPathInvalid
	}
	clean := filepath.Clean(raw)
	if trimmed := strings.TrimRight(raw, string(filepath.Separator)); clean != raw && clean != trimmed {
		return "", errPathInvalid
	}
	return clean, nil
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

func writeError(c *gin.Context, code int, msg string) {
	writeJSON(c, code, errorResp{Error: msg})
}
