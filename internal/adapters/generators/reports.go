// Package generators holds the report generators registered at startup.
// Each one turns request parameters into a JSON document; none of them
// knows anything about job state.
package generators

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/juergmar/FileDownloadBackend/internal/core/domain"
	"github.com/mitchellh/mapstructure"
)

const contentTypeJSON = "application/json"

// report is the common shape of every generated document.
type report struct {
	Metadata metadata `json:"metadata"`
	Data     any      `json:"data"`
}

type metadata struct {
	ReportName   string `json:"reportName"`
	GeneratedFor string `json:"generatedFor"`
	GeneratedAt  string `json:"generatedAt"`
	ReportID     string `json:"reportId"`
}

// base carries the clock and id source shared by all generators.
type base struct {
	now   func() time.Time
	newID func() string
}

func newBase() base {
	return base{now: time.Now, newID: uuid.NewString}
}

func (b base) render(ctx context.Context, kind, name, ownerID string, data any) (domain.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return domain.Artifact{}, err
	}
	now := b.now()
	doc := report{
		Metadata: metadata{
			ReportName:   name,
			GeneratedFor: ownerID,
			GeneratedAt:  now.UTC().Format("2006-01-02T15:04:05"),
			ReportID:     b.newID(),
		},
		Data: data,
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("encode %s report: %w", kind, err)
	}
	fileName := fmt.Sprintf("%s-report-%d.json", kind, now.UnixMilli())
	return domain.NewArtifact(fileName, contentTypeJSON, payload), nil
}

// decodeParams fills out from the loosely typed request parameters. Strings
// are accepted for numbers and booleans since clients send both.
func decodeParams(params map[string]any, out any) error {
	if len(params) == 0 {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "json",
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(params); err != nil {
		return fmt.Errorf("invalid parameters: %w", err)
	}
	return nil
}

// All returns one generator per supported file type.
func All() []domain.Generator {
	return []domain.Generator{
		NewUserActivity(),
		NewSystemHealth(),
		NewFileStatistics(),
		NewCustom(),
	}
}

// UserActivity lists the owner's recent activity.
type UserActivity struct{ base }

func NewUserActivity() *UserActivity { return &UserActivity{newBase()} }

func (*UserActivity) Type() domain.FileType { return domain.FileTypeUserActivityReport }

type userActivityParams struct {
	// StartDate is the look-back window in days.
	StartDate int `json:"startDate"`
}

type activity struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Details   string `json:"details"`
}

func (g *UserActivity) Generate(ctx context.Context, _ domain.JobID, ownerID string, params map[string]any) (domain.Artifact, error) {
	p := userActivityParams{StartDate: 30}
	if err := decodeParams(params, &p); err != nil {
		return domain.Artifact{}, fmt.Errorf("user activity report: %w", err)
	}
	if p.StartDate <= 0 {
		return domain.Artifact{}, fmt.Errorf("user activity report: startDate must be positive, got %d", p.StartDate)
	}

	now := g.now()
	activities := make([]activity, 0, 10)
	for i := 0; i < 10; i++ {
		activities = append(activities, activity{
			ID:        g.newID(),
			Type:      "FILE_DOWNLOAD",
			Timestamp: now.Add(-time.Duration(i) * 24 * time.Hour).UTC().Format(time.RFC3339),
			Details:   fmt.Sprintf("Downloaded file #%d", i+1),
		})
	}
	data := map[string]any{
		"timespan":   fmt.Sprintf("%d days", p.StartDate),
		"activities": activities,
	}
	return g.render(ctx, "user-activity", "User Activity Report", ownerID, data)
}

// SystemHealth reports service health, optionally with per-service metrics.
type SystemHealth struct{ base }

func NewSystemHealth() *SystemHealth { return &SystemHealth{newBase()} }

func (*SystemHealth) Type() domain.FileType { return domain.FileTypeSystemHealthReport }

type systemHealthParams struct {
	IncludeDetailedMetrics bool `json:"includeDetailedMetrics"`
}

type serviceHealth struct {
	Name         string   `json:"name"`
	Status       string   `json:"status"`
	LastChecked  string   `json:"lastChecked"`
	ResponseTime *float64 `json:"responseTime,omitempty"`
	Availability string   `json:"availability,omitempty"`
	ErrorRate    string   `json:"errorRate,omitempty"`
}

var monitoredServices = []struct{ name, status string }{
	{"Database", "Healthy"},
	{"FileStorage", "Healthy"},
	{"Authentication", "Healthy"},
	{"JobProcessor", "Degraded"},
}

func (g *SystemHealth) Generate(ctx context.Context, _ domain.JobID, ownerID string, params map[string]any) (domain.Artifact, error) {
	var p systemHealthParams
	if err := decodeParams(params, &p); err != nil {
		return domain.Artifact{}, fmt.Errorf("system health report: %w", err)
	}

	checked := g.now().UTC().Format(time.RFC3339)
	services := make([]serviceHealth, 0, len(monitoredServices))
	for _, s := range monitoredServices {
		h := serviceHealth{Name: s.name, Status: s.status, LastChecked: checked}
		if p.IncludeDetailedMetrics {
			rt := rand.Float64() * 100
			h.ResponseTime = &rt
			h.Availability = "99.95%"
			h.ErrorRate = "0.05%"
		}
		services = append(services, h)
	}
	data := map[string]any{
		"cpuUsage":      "32%",
		"memoryUsage":   "64%",
		"diskUsage":     "48%",
		"activeJobs":    12,
		"failedJobs":    3,
		"completedJobs": 127,
		"services":      services,
	}
	return g.render(ctx, "system-health", "System Health Report", ownerID, data)
}

// FileStatistics summarizes stored files, optionally with a monthly history.
type FileStatistics struct{ base }

func NewFileStatistics() *FileStatistics { return &FileStatistics{newBase()} }

func (*FileStatistics) Type() domain.FileType { return domain.FileTypeFileStatisticsReport }

type fileStatisticsParams struct {
	IncludeHistoricalData bool `json:"includeHistoricalData"`
}

type fileSize struct {
	FileType string `json:"fileType"`
	AvgSize  string `json:"avgSize"`
	MaxSize  string `json:"maxSize"`
}

type monthStats struct {
	Month        string `json:"month"`
	FilesCreated int    `json:"filesCreated"`
	StorageUsed  string `json:"storageUsed"`
}

func (g *FileStatistics) Generate(ctx context.Context, _ domain.JobID, ownerID string, params map[string]any) (domain.Artifact, error) {
	var p fileStatisticsParams
	if err := decodeParams(params, &p); err != nil {
		return domain.Artifact{}, fmt.Errorf("file statistics report: %w", err)
	}

	sizes := make([]fileSize, 0, 5)
	for i := 0; i < 5; i++ {
		sizes = append(sizes, fileSize{
			FileType: fmt.Sprintf("TYPE_%d", i),
			AvgSize:  fmt.Sprintf("%dKB", (i+1)*100),
			MaxSize:  fmt.Sprintf("%dKB", (i+1)*300),
		})
	}
	data := map[string]any{
		"fileCountsByType": map[string]int{"PDF": 34, "CSV": 28, "EXCEL": 16, "JSON": 9},
		"storageUsage":     map[string]string{"total": "256MB", "used": "98MB", "available": "158MB"},
		"recentFileSizes":  sizes,
	}
	if p.IncludeHistoricalData {
		year := g.now().UTC().Year() - 1
		history := make([]monthStats, 0, 12)
		for m := 1; m <= 12; m++ {
			history = append(history, monthStats{
				Month:        fmt.Sprintf("%d-%02d", year, m),
				FilesCreated: 80 + rand.IntN(40),
				StorageUsed:  fmt.Sprintf("%dMB", 90+rand.IntN(20)),
			})
		}
		data["historicalData"] = history
	}
	return g.render(ctx, "file-statistics", "File Statistics Report", ownerID, data)
}

// Custom produces a named report with a fixed body.
type Custom struct{ base }

func NewCustom() *Custom { return &Custom{newBase()} }

func (*Custom) Type() domain.FileType { return domain.FileTypeCustomReport }

type customParams struct {
	ReportName string `json:"reportName"`
}

func (g *Custom) Generate(ctx context.Context, _ domain.JobID, ownerID string, params map[string]any) (domain.Artifact, error) {
	p := customParams{ReportName: "Custom"}
	if err := decodeParams(params, &p); err != nil {
		return domain.Artifact{}, fmt.Errorf("custom report: %w", err)
	}
	if p.ReportName == "" {
		p.ReportName = "Custom"
	}
	data := map[string]string{
		"message":     "Custom report generated successfully",
		"reportName":  p.ReportName,
		"customField": "This is a custom field",
	}
	return g.render(ctx, "custom", p.ReportName+" Report", ownerID, data)
}
