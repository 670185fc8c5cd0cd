package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/taskloom/taskloom"
	"github.com/taskloom/taskloom/batch"
	"github.com/taskloom/taskloom/id"
)

// CallbackRequest is one item delivery from the external system.
type CallbackRequest struct {
	ItemKey string         `json:"item_key" binding:"required"`
	State   string         `json:"state"`
	Result  map[string]any `json:"result,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// ReviewRequest carries a manual review decision.
type ReviewRequest struct {
	Decision string `json:"decision" binding:"required"`
}

func (a *API) ingestCallback(c *gin.Context) {
	if !a.checkSecret(c) {
		return
	}

	jobID, err := id.ParseBatchJobID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid batch job id"})
		return
	}

	var req CallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	item, err := a.batches.Ingest(c.Request.Context(), jobID, batch.Callback{
		ItemKey: req.ItemKey,
		State:   batch.ItemState(req.State),
		Result:  req.Result,
		Error:   req.Error,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, item)
}

func (a *API) reviewJob(c *gin.Context) {
	jobID, err := id.ParseBatchJobID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid batch job id"})
		return
	}

	var req ReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := a.batches.Review(c.Request.Context(), jobID, batch.ReviewDecision(req.Decision)); err != nil {
		writeError(c, err)
		return
	}

	job, err := a.store.GetJob(c.Request.Context(), jobID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (a *API) getBatchJob(c *gin.Context) {
	jobID, err := id.ParseBatchJobID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid batch job id"})
		return
	}

	job, err := a.store.GetJob(c.Request.Context(), jobID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (a *API) listBatchItems(c *gin.Context) {
	jobID, err := id.ParseBatchJobID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid batch job id"})
		return
	}

	items, err := a.store.ListItems(c.Request.Context(), jobID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, items)
}

// checkSecret enforces the shared callback secret when configured.
func (a *API) checkSecret(c *gin.Context) bool {
	if a.secret == "" {
		return true
	}
	given := c.GetHeader(SecretHeader)
	if subtle.ConstantTimeCompare([]byte(given), []byte(a.secret)) != 1 {
		writeError(c, taskloom.ErrBadSecret)
		return false
	}
	return true
}
