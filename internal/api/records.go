package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mesikahq/dpi/internal/record"
)

func (h *Handler) CreateRecord(c *gin.Context) {
	id, err := caller(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	var req record.Registration
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, bindError(err, "body"))
		return
	}

	view, err := h.recordService.CreateRecord(c.Request.Context(), id, req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, view)
}

func (h *Handler) ListRecords(c *gin.Context) {
	id, err := caller(c)
	if err != nil {
		h.respondError(c, err)
		return
	}

	views, err := h.recordService.ListRecords(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, views)
}

func (h *Handler) GetRecord(c *gin.Context) {
	id, err := caller(c)
	if err != nil {
		h.respondError(c, err)
		return
	}

	view, err := h.recordService.GetRecord(c.Request.Context(), id, c.Param("nss"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) DeleteRecord(c *gin.Context) {
	id, err := caller(c)
	if err != nil {
		h.respondError(c, err)
		return
	}

	if err := h.recordService.DeleteRecord(c.Request.Context(), id, c.Param("nss")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) FullRecord(c *gin.Context) {
	id, err := caller(c)
	if err != nil {
		h.respondError(c, err)
		return
	}

	full, err := h.recordService.AssembleFullRecord(c.Request.Context(), id, c.Param("nss"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, full)
}

func (h *Handler) IdentifierImage(c *gin.Context) {
	id, err := caller(c)
	if err != nil {
		h.respondError(c, err)
		return
	}

	png, err := h.recordService.IdentifierImage(c.Request.Context(), id, c.Param("nss"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

// Care notes

func (h *Handler) AddCareNote(c *gin.Context) {
	id, err := caller(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	var req record.CareNoteInput
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, bindError(err, "body"))
		return
	}

	note, err := h.recordService.AddCareNote(c.Request.Context(), id, c.Param("nss"), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, note)
}

func (h *Handler) ListCareNotes(c *gin.Context) {
	id, err := caller(c)
	if err != nil {
		h.respondError(c, err)
		return
	}

	notes, err := h.recordService.ListCareNotes(c.Request.Context(), id, c.Param("nss"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, notes)
}

// Imaging

// AddImagingReport accepts JSON, or multipart form data carrying the image
// in the "image" field.
func (h *Handler) AddImagingReport(c *gin.Context) {
	id, err := caller(c)
	if err != nil {
		h.respondError(c, err)
		return
	}

	var req record.ImagingInput
	var upload *record.Upload
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		if err := c.ShouldBind(&req); err != nil {
			h.respondError(c, bindError(err, "image"))
			return
		}
		file, header, err := c.Request.FormFile("image")
		switch {
		case errors.Is(err, http.ErrMissingFile):
		case err != nil:
			h.respondError(c, bindError(err, "image"))
			return
		default:
			defer file.Close()
			upload = &record.Upload{
				Filename:    header.Filename,
				ContentType: header.Header.Get("Content-Type"),
				Body:        file,
			}
		}
	} else if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, bindError(err, "body"))
		return
	}

	report, err := h.recordService.AddImagingReport(c.Request.Context(), id, c.Param("nss"), req, upload)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, report)
}

func (h *Handler) ListImagingReports(c *gin.Context) {
	id, err := caller(c)
	if err != nil {
		h.respondError(c, err)
		return
	}

	reports, err := h.recordService.ListImagingReports(c.Request.Context(), id, c.Param("nss"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, reports)
}

func (h *Handler) ImagingAttachment(c *gin.Context) {
	id, err := caller(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	reportID, err := int64Param(c, "id")
	if err != nil {
		h.respondError(c, err)
		return
	}

	obj, err := h.recordService.OpenImagingAttachment(c.Request.Context(), id, reportID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	defer obj.Close()

	c.DataFromReader(http.StatusOK, obj.Size, obj.ContentType, obj, map[string]string{
		"Content-Disposition": fmt.Sprintf("inline; filename=%q", obj.Filename),
	})
}

// Lab panels

func (h *Handler) OrderLabPanel(c *gin.Context) {
	id, err := caller(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	var req record.LabPanelInput
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, bindError(err, "body"))
		return
	}

	panel, err := h.recordService.OrderLabPanel(c.Request.Context(), id, c.Param("nss"), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, panel)
}

func (h *Handler) FillLabPanel(c *gin.Context) {
	id, err := caller(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	panelID, err := int64Param(c, "id")
	if err != nil {
		h.respondError(c, err)
		return
	}
	var req record.LabResultsInput
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, bindError(err, "body"))
		return
	}

	panel, err := h.recordService.FillLabPanel(c.Request.Context(), id, panelID, req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, panel)
}

func (h *Handler) ListLabPanels(c *gin.Context) {
	id, err := caller(c)
	if err != nil {
		h.respondError(c, err)
		return
	}

	panels, err := h.recordService.ListLabPanels(c.Request.Context(), id, c.Param("nss"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, panels)
}

// Prescriptions

func (h *Handler) CreatePrescription(c *gin.Context) {
	id, err := caller(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	var req record.PrescriptionInput
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, bindError(err, "body"))
		return
	}

	p, err := h.recordService.CreatePrescription(c.Request.Context(), id, c.Param("nss"), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

type StatusRequest struct {
	Status string `json:"status"`
}

func (h *Handler) UpdatePrescriptionStatus(c *gin.Context) {
	id, err := caller(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	prescriptionID, err := int64Param(c, "id")
	if err != nil {
		h.respondError(c, err)
		return
	}
	var req StatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, bindError(err, "body"))
		return
	}

	p, err := h.recordService.UpdatePrescriptionStatus(c.Request.Context(), id, prescriptionID, req.Status)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) ListPrescriptions(c *gin.Context) {
	id, err := caller(c)
	if err != nil {
		h.respondError(c, err)
		return
	}

	ps, err := h.recordService.ListPrescriptions(c.Request.Context(), id, c.Param("nss"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ps)
}

// Summaries

func (h *Handler) CreateSummary(c *gin.Context) {
	id, err := caller(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	var req record.SummaryInput
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, bindError(err, "body"))
		return
	}

	s, err := h.recordService.CreateSummary(c.Request.Context(), id, c.Param("nss"), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, s)
}

func (h *Handler) ListSummaries(c *gin.Context) {
	id, err := caller(c)
	if err != nil {
		h.respondError(c, err)
		return
	}

	ss, err := h.recordService.ListSummaries(c.Request.Context(), id, c.Param("nss"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ss)
}
