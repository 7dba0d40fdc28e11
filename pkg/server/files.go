package server

import (
	"errors"
	"net/http"
	"strconv"

	"talkstream/pkg/logic/artifact"

	"github.com/gin-gonic/gin"
)

// HandleFile 返回代理生成的文件，默认最新版本，可用 ?version= 指定
func (s *Server) HandleFile(c *gin.Context) {
	name := c.Param("name")

	var (
		a   artifact.Artifact
		err error
	)
	if v := c.Query("version"); v != "" {
		version, convErr := strconv.Atoi(v)
		if convErr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid version"})
			return
		}
		a, err = s.deps.Artifacts.Load(name, version)
	} else {
		a, err = s.deps.Artifacts.Latest(name)
	}

	if errors.Is(err, artifact.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, a.MIMEType, a.Data)
}
