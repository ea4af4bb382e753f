package api

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	agentcfg "github.com/flowmesh/flowmesh/internal/agent/config"
)

const defaultMaxListItems = 1000

// resolvePath validates a client-supplied path against the whitelist.
// The path is made absolute, symlinks are resolved, and the result must
// lie under one of the allowed base paths. For paths that do not exist
// yet (uploads, mkdir) the nearest existing ancestor is resolved
// instead so a symlinked parent cannot escape the whitelist.
func (s *Server) resolvePath(raw string) (string, agentcfg.FileBrowserSettings, error) {
	s.mu.RLock()
	browser := s.browser
	s.mu.RUnlock()

	if !browser.Enabled {
		return "", browser, fmt.Errorf("file browser is disabled")
	}
	if raw == "" {
		return "", browser, fmt.Errorf("path is required")
	}

	abs, err := filepath.Abs(raw)
	if err != nil {
		return "", browser, fmt.Errorf("invalid path")
	}

	resolved, err := resolveExisting(abs)
	if err != nil {
		return "", browser, fmt.Errorf("invalid path")
	}

	for _, base := range browser.AllowedPaths {
		baseResolved, err := filepath.EvalSymlinks(base)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(baseResolved, resolved)
		if err != nil {
			continue
		}
		if rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel)) {
			return resolved, browser, nil
		}
	}
	return "", browser, fmt.Errorf("path is outside the allowed directories")
}

// resolveExisting resolves symlinks through the longest existing prefix
// of path, re-appending the non-existent tail.
func resolveExisting(abs string) (string, error) {
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}

	dir, tail := abs, ""
	for {
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no existing ancestor")
		}
		tail = filepath.Join(filepath.Base(dir), tail)
		dir = parent
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			return filepath.Join(resolved, tail), nil
		}
	}
}

type fileInfo struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	IsDir   bool      `json:"isDir"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

func (s *Server) browse(c *gin.Context) {
	path, browser, err := s.resolvePath(c.Query("path"))
	if err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	maxItems := browser.MaxListItems
	if maxItems <= 0 {
		maxItems = defaultMaxListItems
	}

	out := make([]fileInfo, 0, len(entries))
	truncated := false
	sort.Slice(entries, func(i, k int) bool { return entries[i].Name() < entries[k].Name() })
	for _, entry := range entries {
		if len(out) >= maxItems {
			truncated = true
			break
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		out = append(out, fileInfo{
			Name:    entry.Name(),
			Path:    filepath.Join(path, entry.Name()),
			IsDir:   entry.IsDir(),
			Size:    info.Size(),
			ModTime: info.ModTime().UTC(),
		})
	}

	c.JSON(http.StatusOK, gin.H{"path": path, "entries": out, "truncated": truncated})
}

func (s *Server) download(c *gin.Context) {
	path, _, err := s.resolvePath(c.Query("path"))
	if err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		return
	}
	if info.IsDir() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path is a directory"})
		return
	}

	c.FileAttachment(path, filepath.Base(path))
}

func (s *Server) upload(c *gin.Context) {
	path, browser, err := s.resolvePath(c.Query("path"))
	if err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	}

	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart field \"file\" is required"})
		return
	}
	if browser.MaxUploadSize > 0 && file.Size > browser.MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": fmt.Sprintf("upload exceeds %d bytes", browser.MaxUploadSize),
		})
		return
	}

	dest := filepath.Join(path, filepath.Base(file.Filename))
	if err := c.SaveUploadedFile(file, dest); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"path": dest, "size": file.Size})
}

func (s *Server) mkdir(c *gin.Context) {
	var req struct {
		Path string `json:"path" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	path, _, err := s.resolvePath(req.Path)
	if err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"path": path})
}

func (s *Server) deleteFile(c *gin.Context) {
	path, _, err := s.resolvePath(c.Query("path"))
	if err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		return
	}
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if len(entries) > 0 {
			c.JSON(http.StatusConflict, gin.H{"error": "directory is not empty"})
			return
		}
	}

	if err := os.Remove(path); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": path})
}
