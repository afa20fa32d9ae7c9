package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/alanbriolat/audio-relay"
	"github.com/alanbriolat/audio-relay/internal/boltdb"
	"github.com/alanbriolat/audio-relay/internal/stream"
)

// MaxBatch is the largest number of URLs accepted by one batch resolution.
const MaxBatch = 50

type Resolver interface {
	Dispatch(ctx context.Context, url string) audio_relay.ResolvedItem
	DispatchBatch(ctx context.Context, urls []string) []audio_relay.ResolvedItem
}

type Store interface {
	AddItem(item audio_relay.ResolvedItem) (boltdb.StoredItem, error)
	GetItem(id string) (boltdb.StoredItem, error)
	PutItem(stored boltdb.StoredItem) error
	ListItems() ([]boltdb.StoredItem, error)
	DeleteItem(id string) error
}

type Streamer interface {
	Serve(ctx context.Context, itemID string, originalURL string, w http.ResponseWriter) error
	Forget(itemID string)
}

// API handles the HTTP endpoints.
type API struct {
	resolver Resolver
	store    Store
	streamer Streamer
	log      *zap.SugaredLogger
}

func NewAPI(resolver Resolver, store Store, streamer Streamer, log *zap.SugaredLogger) *API {
	if log == nil {
		log = zap.S()
	}
	return &API{
		resolver: resolver,
		store:    store,
		streamer: streamer,
		log:      log.Named("api"),
	}
}

type ResolveRequest struct {
	URL string `json:"url" binding:"required"`
}

type BatchRequest struct {
	URLs []string `json:"urls" binding:"required"`
}

type BatchResponse struct {
	Items []audio_relay.ResolvedItem `json:"items"`
}

type ItemsResponse struct {
	Items []boltdb.StoredItem `json:"items"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func abortWithError(c *gin.Context, status int, format string, a ...interface{}) {
	c.AbortWithStatusJSON(status, ErrorResponse{Error: fmt.Sprintf(format, a...)})
}

// Resolve resolves a single URL without storing it.
func (a *API) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid request: %v", err)
		return
	}
	item := a.resolver.Dispatch(c.Request.Context(), strings.TrimSpace(req.URL))
	c.JSON(http.StatusOK, item)
}

// ResolveBatch resolves several URLs, returning the results in request order.
func (a *API) ResolveBatch(c *gin.Context) {
	var req BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid request: %v", err)
		return
	}
	if len(req.URLs) > MaxBatch {
		abortWithError(c, http.StatusBadRequest, "too many URLs: %d > %d", len(req.URLs), MaxBatch)
		return
	}
	urls := make([]string, len(req.URLs))
	for i, u := range req.URLs {
		urls[i] = strings.TrimSpace(u)
	}
	c.JSON(http.StatusOK, BatchResponse{Items: a.resolver.DispatchBatch(c.Request.Context(), urls)})
}

// AddItem resolves a URL and adds the result to the queue, even if it is unsupported.
func (a *API) AddItem(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid request: %v", err)
		return
	}
	item := a.resolver.Dispatch(c.Request.Context(), strings.TrimSpace(req.URL))
	stored, err := a.store.AddItem(item)
	if err != nil {
		a.log.Errorw("failed to store item", "url", req.URL, "error", err)
		abortWithError(c, http.StatusInternalServerError, "failed to store item")
		return
	}
	c.JSON(http.StatusCreated, stored)
}

func (a *API) ListItems(c *gin.Context) {
	items, err := a.store.ListItems()
	if err != nil {
		a.log.Errorw("failed to list items", "error", err)
		abortWithError(c, http.StatusInternalServerError, "failed to list items")
		return
	}
	if items == nil {
		items = []boltdb.StoredItem{}
	}
	c.JSON(http.StatusOK, ItemsResponse{Items: items})
}

func (a *API) GetItem(c *gin.Context) {
	stored, ok := a.getItem(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, stored)
}

// RefreshItem resolves the item's original URL again and replaces the stored metadata, keeping its id and position
// in the queue.
func (a *API) RefreshItem(c *gin.Context) {
	stored, ok := a.getItem(c)
	if !ok {
		return
	}
	stored.Item = a.resolver.Dispatch(c.Request.Context(), stored.Item.OriginalURL)
	if err := a.store.PutItem(stored); err != nil {
		a.log.Errorw("failed to store item", "item_id", stored.ID, "error", err)
		abortWithError(c, http.StatusInternalServerError, "failed to store item")
		return
	}
	a.streamer.Forget(stored.ID)
	c.JSON(http.StatusOK, stored)
}

func (a *API) DeleteItem(c *gin.Context) {
	id := c.Param("id")
	if err := a.store.DeleteItem(id); errors.Is(err, boltdb.ErrNotFound) {
		abortWithError(c, http.StatusNotFound, "no item %s", id)
		return
	} else if err != nil {
		a.log.Errorw("failed to delete item", "item_id", id, "error", err)
		abortWithError(c, http.StatusInternalServerError, "failed to delete item")
		return
	}
	a.streamer.Forget(id)
	c.Status(http.StatusNoContent)
}

// StreamItem proxies the item's audio. Once the response has started the only way to signal a failure is to drop
// the connection.
func (a *API) StreamItem(c *gin.Context) {
	stored, ok := a.getItem(c)
	if !ok {
		return
	}
	if !stored.Item.Playable() && !stored.Item.IsMetadataOnly() {
		abortWithError(c, http.StatusUnprocessableEntity, "item %s has no playable audio", stored.ID)
		return
	}

	ctx := c.Request.Context()
	err := a.streamer.Serve(ctx, stored.ID, stored.Item.OriginalURL, c.Writer)
	if err == nil || ctx.Err() != nil {
		return
	}
	var streamErr *stream.Error
	if errors.As(err, &streamErr) && streamErr.HeadersSent {
		a.abortConnection(c)
		return
	}
	abortWithError(c, http.StatusBadGateway, "could not stream item %s", stored.ID)
}

func (a *API) getItem(c *gin.Context) (boltdb.StoredItem, bool) {
	id := c.Param("id")
	stored, err := a.store.GetItem(id)
	if errors.Is(err, boltdb.ErrNotFound) {
		abortWithError(c, http.StatusNotFound, "no item %s", id)
		return stored, false
	} else if err != nil {
		a.log.Errorw("failed to load item", "item_id", id, "error", err)
		abortWithError(c, http.StatusInternalServerError, "failed to load item")
		return stored, false
	}
	return stored, true
}

func (a *API) abortConnection(c *gin.Context) {
	c.Abort()
	conn, _, err := c.Writer.Hijack()
	if err != nil {
		a.log.Warnw("could not abort connection after failed stream", "error", err)
		return
	}
	_ = conn.Close()
}
