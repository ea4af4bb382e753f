package api

import (
	"bufio"
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	defaultPageSize = 100
	maxPageSize     = 500
	maxDownload     = 10000
)

// logEntry is one structured record parsed back from the JSON log file.
type logEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"msg"`
	Caller    string `json:"caller,omitempty"`
}

// readLogEntries parses the log file, newest first. Lines that are not
// valid JSON (console output, partial writes) are skipped.
func (s *Server) readLogEntries() ([]logEntry, error) {
	f, err := os.Open(s.logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var entries []logEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var entry logEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	for i, k := 0, len(entries)-1; i < k; i, k = i+1, k-1 {
		entries[i], entries[k] = entries[k], entries[i]
	}
	return entries, nil
}

func (s *Server) logs(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(c.DefaultQuery("pageSize", strconv.Itoa(defaultPageSize)))
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	level := strings.ToLower(c.Query("level"))
	search := strings.ToLower(c.Query("search"))

	entries, err := s.readLogEntries()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	filtered := entries[:0:0]
	for _, e := range entries {
		if level != "" && strings.ToLower(e.Level) != level {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(e.Message), search) {
			continue
		}
		filtered = append(filtered, e)
	}

	start := (page - 1) * pageSize
	if start > len(filtered) {
		start = len(filtered)
	}
	end := start + pageSize
	if end > len(filtered) {
		end = len(filtered)
	}

	c.JSON(http.StatusOK, gin.H{
		"entries":  filtered[start:end],
		"page":     page,
		"pageSize": pageSize,
		"total":    len(filtered),
	})
}

func (s *Server) logsDownload(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "1000"))
	if limit < 1 || limit > maxDownload {
		limit = maxDownload
	}

	data, err := os.ReadFile(s.logPath)
	if err != nil && !os.IsNotExist(err) {
		c.String(http.StatusInternalServerError, err.Error())
		return
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}

	c.Header("Content-Disposition", `attachment; filename="agent.log"`)
	c.String(http.StatusOK, strings.Join(lines, "\n"))
}
