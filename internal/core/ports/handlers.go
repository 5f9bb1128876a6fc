package ports

import "github.com/gin-gonic/gin"

type RendezvousHTTPHandler interface {
	IssueCode(c *gin.Context)
	ResolveCode(c *gin.Context)
	EvictCode(c *gin.Context)
	PostAnswer(c *gin.Context)
	AwaitAnswer(c *gin.Context)
}
