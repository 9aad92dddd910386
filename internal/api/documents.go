package api

import (
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"docbatch/internal/document"
	"docbatch/internal/fetch"
)

const pdfContentType = "application/pdf"

type fetchRequest struct {
	URLs []string `json:"urls" binding:"required"`
}

func (a *API) ListDocuments(c *gin.Context) {
	docs, err := a.docs.List()
	if err != nil {
		log.Error().Err(err).Msg("list documents failed")
		fail(c, http.StatusInternalServerError, "cannot list documents")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": statusOK, "data": docs})
}

// UploadDocuments stores PDFs sent as multipart "files". Nothing is stored
// when any part is not a PDF.
func (a *API) UploadDocuments(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		fail(c, http.StatusBadRequest, "invalid multipart form")
		return
	}
	files := form.File["files"]
	if len(files) == 0 {
		fail(c, http.StatusBadRequest, "no files uploaded")
		return
	}
	for _, fh := range files {
		if fh.Header.Get("Content-Type") != pdfContentType {
			log.Warn().Str("file", fh.Filename).Msg("rejecting non-pdf upload")
			fail(c, http.StatusUnsupportedMediaType, "looks like you have uploaded a non-PDF file")
			return
		}
	}

	saved := make([]document.Document, 0, len(files))
	for _, fh := range files {
		doc, err := a.saveUpload(fh)
		if err != nil {
			log.Warn().Str("file", fh.Filename).Err(err).Msg("store upload failed")
			code := http.StatusInternalServerError
			if errors.Is(err, document.ErrInvalidName) {
				code = http.StatusBadRequest
			}
			fail(c, code, err.Error())
			return
		}
		saved = append(saved, doc)
	}
	c.JSON(http.StatusCreated, gin.H{"status": statusOK, "data": saved})
}

func (a *API) saveUpload(fh *multipart.FileHeader) (document.Document, error) {
	src, err := fh.Open()
	if err != nil {
		return document.Document{}, fmt.Errorf("open upload: %w", err)
	}
	defer func() { _ = src.Close() }()
	return a.docs.Save(fh.Filename, src) //nolint:wrapcheck
}

// FetchDocuments downloads PDFs by URL into the document store.
func (a *API) FetchDocuments(c *gin.Context) {
	var req fetchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request")
		return
	}
	ctx := fetch.WithHTTPTimeout(c.Request.Context(), a.fetchTimeout)
	results, err := fetch.Download(ctx, a.docs, req.URLs)
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": statusOK, "data": results})
}

func (a *API) DocumentStatus(c *gin.Context) {
	status, err := a.docs.Status(c.Param("id"))
	if err != nil {
		a.documentError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}

// ParseDocument parses one document synchronously. The text cache is used
// unless use_cache=false is passed.
func (a *API) ParseDocument(c *gin.Context) {
	id := c.Param("id")
	path, err := a.docs.Path(id)
	if err != nil {
		a.documentError(c, err)
		return
	}
	useCache := true
	if v := c.Query("use_cache"); v != "" {
		if useCache, err = strconv.ParseBool(v); err != nil {
			fail(c, http.StatusBadRequest, "invalid use_cache")
			return
		}
	}

	result, err := a.parser.Parse(c.Request.Context(), path, useCache)
	if err != nil {
		log.Warn().Str("file", id).Err(err).Msg("parse failed")
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"status":  statusError,
			"message": "cannot parse file",
			"details": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  statusOK,
		"message": fmt.Sprintf("Development plan %s has been parsed successfully", document.ID(id)),
		"data":    result,
	})
}

func (a *API) DocumentThumbnail(c *gin.Context) {
	path, err := a.docs.ThumbnailPath(c.Param("id"))
	if err != nil {
		a.documentError(c, err)
		return
	}
	c.File(path)
}

func (a *API) DeleteDocument(c *gin.Context) {
	if err := a.docs.Delete(c.Param("id")); err != nil {
		a.documentError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": statusOK})
}

func (a *API) documentError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, document.ErrNotFound):
		notFound(c)
	case errors.Is(err, document.ErrInvalidName):
		fail(c, http.StatusBadRequest, err.Error())
	default:
		log.Error().Err(err).Msg("document operation failed")
		fail(c, http.StatusInternalServerError, "document operation failed")
	}
}
