package api

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"time"

	"userstore/internal/export"
	"userstore/internal/importer"
	"userstore/internal/jobs"
	"userstore/internal/websocket"

	"github.com/gin-gonic/gin"
)

// Handler contains API handlers
type Handler struct {
	store    *jobs.Store
	executor *jobs.Executor
	exports  *export.Store
	hub      *websocket.Hub
}

// NewHandler creates a new API handler
func NewHandler(store *jobs.Store, executor *jobs.Executor, exports *export.Store, hub *websocket.Hub) *Handler {
	return &Handler{
		store:    store,
		executor: executor,
		exports:  exports,
		hub:      hub,
	}
}

func fail(c *gin.Context, err error) {
	if errors.Is(err, jobs.ErrNotFound) || errors.Is(err, export.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// importView is the JSON shape of an import record.
type importView struct {
	ID       string    `json:"id"`
	Created  time.Time `json:"created"`
	Encoding string    `json:"encoding,omitempty"`
	Scope    string    `json:"scope,omitempty"`
	Filename string    `json:"filename,omitempty"`
	Rows     int       `json:"rows,omitempty"`
	Label    string    `json:"label,omitempty"`
}

func newImportView(imp *jobs.Import) (importView, error) {
	meta, err := imp.Meta()
	if err != nil {
		return importView{}, err
	}
	return importView{
		ID:       imp.ID,
		Created:  imp.Created(),
		Encoding: meta.Encoding,
		Scope:    meta.Scope,
		Filename: meta.Filename,
		Rows:     meta.Rows,
		Label:    meta.Label,
	}, nil
}

// reportView is the JSON shape of a run record. State is the derived state
// (a running record whose worker died shows as error); Display mirrors the
// persisted state plus progress.
type reportView struct {
	ID         string                `json:"id"`
	State      string                `json:"state"`
	Display    string                `json:"display"`
	Progress   string                `json:"progress,omitempty"`
	Simulate   bool                  `json:"simulate"`
	User       string                `json:"user,omitempty"`
	Exception  string                `json:"exception,omitempty"`
	DurationMS int64                 `json:"duration_ms,omitempty"`
	Summary    *jobs.ImporterSummary `json:"summary,omitempty"`
	Created    time.Time             `json:"created"`
}

func newReportView(rep *jobs.Report) (reportView, error) {
	data, err := rep.Data()
	if err != nil {
		return reportView{}, err
	}
	state, err := rep.State()
	if err != nil {
		return reportView{}, err
	}
	return reportView{
		ID:         rep.ID,
		State:      string(state),
		Display:    data.Display(),
		Progress:   data.Progress,
		Simulate:   data.Simulate,
		User:       data.User,
		Exception:  data.Exception,
		DurationMS: data.DurationMS,
		Summary:    data.Summary,
		Created:    rep.Created(),
	}, nil
}

// GetStats returns counts of imports and of reports per observed state
func (h *Handler) GetStats(c *gin.Context) {
	imports, err := h.store.Imports()
	if err != nil {
		fail(c, err)
		return
	}

	reportCounts := map[string]int{}
	for _, imp := range imports {
		reports, err := imp.Reports()
		if err != nil {
			continue
		}
		for _, rep := range reports {
			state, err := rep.State()
			if err != nil {
				continue
			}
			reportCounts[string(state)]++
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"imports": len(imports),
		"reports": reportCounts,
	})
}

// ListImports returns all existing imports
func (h *Handler) ListImports(c *gin.Context) {
	imports, err := h.store.Imports()
	if err != nil {
		fail(c, err)
		return
	}

	views := make([]importView, 0, len(imports))
	for _, imp := range imports {
		view, err := newImportView(imp)
		if err != nil {
			fail(c, err)
			return
		}
		views = append(views, view)
	}

	c.JSON(http.StatusOK, gin.H{"imports": views, "total": len(views)})
}

// CreateImport stores an uploaded dataset with its metadata
func (h *Handler) CreateImport(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}

	encoding, ok := importer.ValidEncoding(c.PostForm("encoding"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown encoding"})
		return
	}

	src, err := file.Open()
	if err != nil {
		fail(c, err)
		return
	}
	defer src.Close()

	content, err := io.ReadAll(src)
	if err != nil {
		fail(c, err)
		return
	}

	imp, err := h.store.NewImport(content, jobs.ImportMeta{
		Encoding: encoding,
		Scope:    c.PostForm("scope"),
		Filename: file.Filename,
		Label:    c.PostForm("label"),
		Rows:     countRows(content),
	})
	if err != nil {
		fail(c, err)
		return
	}

	view, err := newImportView(imp)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, view)
}

// countRows counts non-empty lines, header included.
func countRows(content []byte) int {
	rows := 0
	for _, line := range bytes.Split(content, []byte("\n")) {
		if len(bytes.TrimSpace(line)) > 0 {
			rows++
		}
	}
	return rows
}

// GetImport returns one import with its reports
func (h *Handler) GetImport(c *gin.Context) {
	imp, err := h.store.Import(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}

	view, err := newImportView(imp)
	if err != nil {
		fail(c, err)
		return
	}

	reports, err := imp.Reports()
	if err != nil {
		fail(c, err)
		return
	}
	reportViews := make([]reportView, 0, len(reports))
	for _, rep := range reports {
		rv, err := newReportView(rep)
		if err != nil {
			fail(c, err)
			return
		}
		reportViews = append(reportViews, rv)
	}

	c.JSON(http.StatusOK, gin.H{"import": view, "reports": reportViews})
}

// DownloadImportContent streams the raw uploaded bytes
func (h *Handler) DownloadImportContent(c *gin.Context) {
	imp, err := h.store.Import(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}

	content, err := imp.Content()
	if err != nil {
		fail(c, err)
		return
	}
	defer content.Close()

	meta, err := imp.Meta()
	if err != nil {
		fail(c, err)
		return
	}
	filename := meta.Filename
	if filename == "" {
		filename = imp.ID + ".csv"
	}

	data, err := io.ReadAll(content)
	if err != nil {
		fail(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.Data(http.StatusOK, "application/octet-stream", data)
}

// DeleteImport removes an import and all its reports
func (h *Handler) DeleteImport(c *gin.Context) {
	imp, err := h.store.Import(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	if err := imp.Delete(); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "import deleted"})
}

// CreateReport allocates a new run record in the waiting state
func (h *Handler) CreateReport(c *gin.Context) {
	imp, err := h.store.Import(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}

	rep, err := imp.NewReport()
	if err != nil {
		fail(c, err)
		return
	}

	view, err := newReportView(rep)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, view)
}

func (h *Handler) report(c *gin.Context) (*jobs.Report, bool) {
	imp, err := h.store.Import(c.Param("id"))
	if err != nil {
		fail(c, err)
		return nil, false
	}
	rep, err := imp.Report(c.Param("rid"))
	if err != nil {
		fail(c, err)
		return nil, false
	}
	return rep, true
}

// GetReport returns one run record
func (h *Handler) GetReport(c *gin.Context) {
	rep, ok := h.report(c)
	if !ok {
		return
	}
	view, err := newReportView(rep)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// GetReportProgress returns just state and progress, for frequent polling
func (h *Handler) GetReportProgress(c *gin.Context) {
	rep, ok := h.report(c)
	if !ok {
		return
	}
	data, err := rep.Data()
	if err != nil {
		fail(c, err)
		return
	}
	state, err := rep.State()
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"state":    state,
		"display":  data.Display(),
		"progress": data.Progress,
	})
}

// StartReportRequest represents a run start request
type StartReportRequest struct {
	Simulate bool   `json:"simulate"`
	User     string `json:"user"`
}

// StartReport schedules the execution of a waiting run. The caller gets an
// answer immediately; work happens on a background goroutine.
func (h *Handler) StartReport(c *gin.Context) {
	rep, ok := h.report(c)
	if !ok {
		return
	}

	var req StartReportRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	data, err := rep.Data()
	if err != nil {
		fail(c, err)
		return
	}
	if data.State != jobs.StateWaiting {
		c.JSON(http.StatusConflict, gin.H{"error": "report already started"})
		return
	}

	run, err := h.executor.Run(rep, jobs.RunOptions{Simulate: req.Simulate, User: req.User})
	if err != nil {
		fail(c, err)
		return
	}
	run.Start()

	c.JSON(http.StatusAccepted, gin.H{"message": "report started"})
}

// DeleteReport removes a simulated run record; committed runs are audit
// artifacts and are kept
func (h *Handler) DeleteReport(c *gin.Context) {
	rep, ok := h.report(c)
	if !ok {
		return
	}

	data, err := rep.Data()
	if err != nil {
		fail(c, err)
		return
	}
	if !data.Simulate || !data.State.Terminal() {
		c.JSON(http.StatusConflict, gin.H{"error": "only finished simulated runs can be deleted"})
		return
	}

	if err := rep.Delete(); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "report deleted"})
}

// CreateExportRequest represents an export creation request
type CreateExportRequest struct {
	Format string `json:"format"`
}

// CreateExport starts a new export job over the import inventory
func (h *Handler) CreateExport(c *gin.Context) {
	var req CreateExportRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	format := export.Format(req.Format)
	switch format {
	case "", export.FormatCSV:
		format = export.FormatCSV
	case export.FormatXLSX:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported format"})
		return
	}

	job, err := h.exports.New(format)
	if err != nil {
		fail(c, err)
		return
	}

	go func() {
		src := newInventorySource(h.store)
		if err := job.Run(src); err != nil {
			h.hub.Broadcast(websocket.NewMessage("export_failed", websocket.ExportEventData{ExportID: job.ID}))
			return
		}
		h.hub.Broadcast(websocket.NewMessage("export_done", websocket.ExportEventData{
			ExportID: job.ID,
			Progress: 100,
			Done:     true,
		}))
	}()

	c.JSON(http.StatusCreated, gin.H{"id": job.ID, "format": format})
}

// GetExportProgress returns the export percentage, for frequent polling
func (h *Handler) GetExportProgress(c *gin.Context) {
	job, err := h.exports.Job(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	data, err := job.Data()
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"progress": data.Progress, "done": data.Done})
}

// DownloadExportContent streams the finished export
func (h *Handler) DownloadExportContent(c *gin.Context) {
	job, err := h.exports.Job(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}

	data, err := job.Data()
	if err != nil {
		fail(c, err)
		return
	}
	if !data.Done {
		c.JSON(http.StatusConflict, gin.H{"error": "export not finished"})
		return
	}

	content, err := job.Content()
	if err != nil {
		fail(c, err)
		return
	}
	defer content.Close()

	raw, err := io.ReadAll(content)
	if err != nil {
		fail(c, err)
		return
	}

	contentType := "text/csv"
	ext := "csv"
	if data.Format == export.FormatXLSX {
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
		ext = "xlsx"
	}
	c.Header("Content-Disposition", `attachment; filename="users-`+job.ID+`.`+ext+`"`)
	c.Data(http.StatusOK, contentType, raw)
}

// DeleteExport removes an export job and its content
func (h *Handler) DeleteExport(c *gin.Context) {
	job, err := h.exports.Job(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	if err := job.Delete(); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "export deleted"})
}
