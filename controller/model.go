package controller

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"

	"github.com/llmgate/llmgate/common/ctxkey"
	"github.com/llmgate/llmgate/middleware"
	"github.com/llmgate/llmgate/model"
)

// OpenAI-shape model catalog entries.
type catalogModel struct {
	Id           string   `json:"id"`
	Object       string   `json:"object"`
	Created      int64    `json:"created"`
	OwnedBy      string   `json:"owned_by"`
	Capabilities []string `json:"capabilities,omitempty"`
}

type catalogList struct {
	Object string         `json:"object"`
	Data   []catalogModel `json:"data"`
}

// visibleModels returns the global models the caller may request, honouring
// the key's and owner's model allow-lists.
func visibleModels(c *gin.Context) ([]*model.GlobalModel, error) {
	models, err := model.CacheGetAllGlobalModels()
	if err != nil {
		return nil, err
	}

	var allowed []string
	if v, ok := c.Get(ctxkey.ClientKey); ok {
		if list := v.(*model.ApiKey).GetAllowedModels(); len(list) > 0 {
			allowed = list
		}
	}
	if v, ok := c.Get(ctxkey.User); ok {
		if list := v.(*model.User).GetAllowedModels(); len(list) > 0 {
			if allowed == nil {
				allowed = list
			} else {
				allowed = lo.Intersect(allowed, list)
			}
		}
	}
	if allowed == nil {
		return models, nil
	}
	return lo.Filter(models, func(gm *model.GlobalModel, _ int) bool {
		return lo.Contains(allowed, gm.Name)
	}), nil
}

func toCatalogModel(gm *model.GlobalModel) catalogModel {
	return catalogModel{
		Id:           gm.Name,
		Object:       "model",
		Created:      gm.CreatedAt,
		OwnedBy:      "llmgate",
		Capabilities: gm.CapabilityNames(),
	}
}

// ListModels serves GET /v1/models.
func ListModels(c *gin.Context) {
	models, err := visibleModels(c)
	if err != nil {
		middleware.AbortWithError(c, http.StatusInternalServerError, "internal_error", err)
		return
	}
	c.JSON(http.StatusOK, catalogList{
		Object: "list",
		Data:   lo.Map(models, func(gm *model.GlobalModel, _ int) catalogModel { return toCatalogModel(gm) }),
	})
}

// RetrieveModel serves GET /v1/models/:model.
func RetrieveModel(c *gin.Context) {
	name := c.Param("model")
	models, err := visibleModels(c)
	if err != nil {
		middleware.AbortWithError(c, http.StatusInternalServerError, "internal_error", err)
		return
	}
	gm, ok := lo.Find(models, func(gm *model.GlobalModel) bool { return gm.Name == name })
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error": gin.H{
				"message": "model " + name + " does not exist or you do not have access to it",
				"type":    "invalid_request",
			},
		})
		return
	}
	c.JSON(http.StatusOK, toCatalogModel(gm))
}
