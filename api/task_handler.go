package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/taskloom/taskloom/daemon"
	"github.com/taskloom/taskloom/id"
)

func (a *API) retryTask(c *gin.Context) {
	if a.hooks == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "webhook executor not configured"})
		return
	}

	taskID, err := id.ParseTaskID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
		return
	}

	if err := a.hooks.Retry(c.Request.Context(), taskID); err != nil {
		writeError(c, err)
		return
	}

	t, err := a.store.GetTask(c.Request.Context(), taskID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (a *API) getTask(c *gin.Context) {
	taskID, err := id.ParseTaskID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
		return
	}

	t, err := a.store.GetTask(c.Request.Context(), taskID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (a *API) listExecutions(c *gin.Context) {
	filter := daemon.ExecutionFilter{
		RuleName: c.Query("rule"),
	}
	if v := c.Query("task_id"); v != "" {
		taskID, err := id.ParseTaskID(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
			return
		}
		filter.TaskID = taskID
	}
	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		filter.Limit = limit
	}

	execs, err := a.store.ListExecutions(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, execs)
}
