// Package api exposes the inbound game actions over HTTP. Authentication is
// handled upstream; the caller's identity arrives in the X-Teacher-ID header
// and handlers only check ownership, not credentials.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/classquiz/gameshow/internal/coordinator"
	"github.com/classquiz/gameshow/internal/domain"
	"github.com/classquiz/gameshow/internal/errors"
	"github.com/classquiz/gameshow/internal/game"
	"github.com/classquiz/gameshow/internal/realtime"
)

type Config struct {
	Router      *gin.Engine
	Games       *game.Service
	Coordinator *coordinator.Service
	Hub         *realtime.Hub
}

type API struct {
	games *game.Service
	coord *coordinator.Service
	hub   *realtime.Hub
}

func New(c Config) *API {
	a := &API{
		games: c.Games,
		coord: c.Coordinator,
		hub:   c.Hub,
	}

	r := c.Router
	r.POST("/api/games", a.createGame)
	r.GET("/api/games/:id", a.snapshot)
	r.DELETE("/api/games/:id", a.deleteGame)
	r.PATCH("/api/games/:id/settings", a.updateSettings)
	r.PUT("/api/games/:id/final-jeopardy", a.setFinalJeopardy)
	r.POST("/api/games/:id/start", a.startGame)
	r.POST("/api/games/:id/advance", a.advancePhase)
	r.POST("/api/games/:id/questions/open", a.openQuestion)
	r.POST("/api/games/:id/questions/close", a.closeQuestion)
	r.POST("/api/games/:id/buzz", a.buzz)
	r.POST("/api/games/:id/judge", a.judgeAnswer)
	r.POST("/api/games/:id/score", a.adjustScore)
	r.POST("/api/games/:id/wagers", a.submitWager)
	r.POST("/api/games/:id/final-answer", a.submitFinalAnswer)
	r.POST("/api/games/:id/reveal", a.revealWager)
	r.POST("/api/games/:id/teams/claim", a.claimTeam)
	r.POST("/api/games/:id/teams/:team/approve", a.approveTeam)
	r.GET("/ws/games/:id", a.serveWS)

	return a
}

func teacherID(c *gin.Context) string {
	return c.GetHeader("X-Teacher-ID")
}

func fail(c *gin.Context, err error) {
	e := errors.Convert(err)
	c.JSON(e.HTTPStatusCode(), gin.H{
		"error":  e.Message,
		"reason": e.Reason,
	})
}

type createGameRequest struct {
	BankID       string   `json:"bank_id" binding:"required"`
	BankSize     int      `json:"bank_size" binding:"required"`
	NumTeams     int      `json:"num_teams" binding:"required"`
	TeamNames    []string `json:"team_names"`
	TimerEnabled bool     `json:"timer_enabled"`
	TimerSeconds int      `json:"timer_seconds"`
}

func (a *API) createGame(c *gin.Context) {
	var req createGameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	g, err := a.games.CreateGame(c.Request.Context(), game.CreateGameRequest{
		TeacherID: teacherID(c),
		BankID:    req.BankID,
		BankSize:  req.BankSize,
		NumTeams:  req.NumTeams,
		TeamNames: req.TeamNames,
		Timer: domain.TimerConfig{
			Enabled: req.TimerEnabled,
			Seconds: req.TimerSeconds,
		},
	})
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, g)
}

func (a *API) snapshot(c *gin.Context) {
	snap, err := a.coord.Snapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, snap)
}

func (a *API) deleteGame(c *gin.Context) {
	if err := a.games.Delete(c.Request.Context(), c.Param("id"), teacherID(c)); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type updateSettingsRequest struct {
	BankID       *string             `json:"bank_id"`
	BankSize     *int                `json:"bank_size"`
	NumTeams     *int                `json:"num_teams"`
	TeamNames    []string            `json:"team_names"`
	Timer        *domain.TimerConfig `json:"timer"`
	DailyDoubles []int               `json:"daily_doubles"`
}

func (a *API) updateSettings(c *gin.Context) {
	var req updateSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	g, err := a.games.UpdateSettings(c.Request.Context(), game.UpdateSettingsRequest{
		GameID:       c.Param("id"),
		TeacherID:    teacherID(c),
		BankID:       req.BankID,
		BankSize:     req.BankSize,
		NumTeams:     req.NumTeams,
		TeamNames:    req.TeamNames,
		Timer:        req.Timer,
		DailyDoubles: req.DailyDoubles,
	})
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, g)
}

type finalJeopardyRequest struct {
	Category string `json:"category" binding:"required"`
	Question string `json:"question" binding:"required"`
	Answer   string `json:"answer" binding:"required"`
}

func (a *API) setFinalJeopardy(c *gin.Context) {
	var req finalJeopardyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	g, err := a.games.SetFinalJeopardy(c.Request.Context(), game.SetFinalJeopardyRequest{
		GameID:    c.Param("id"),
		TeacherID: teacherID(c),
		Category:  req.Category,
		Question:  req.Question,
		Answer:    req.Answer,
	})
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, g)
}

func (a *API) startGame(c *gin.Context) {
	g, err := a.coord.StartGame(c.Request.Context(), c.Param("id"), teacherID(c))
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, g)
}

func (a *API) advancePhase(c *gin.Context) {
	g, err := a.coord.AdvancePhase(c.Request.Context(), c.Param("id"), teacherID(c))
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, g)
}

type openQuestionRequest struct {
	QuestionID string `json:"question_id" binding:"required"`
}

func (a *API) openQuestion(c *gin.Context) {
	var req openQuestionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := a.coord.OpenQuestion(c.Request.Context(), coordinator.OpenQuestionRequest{
		GameID:     c.Param("id"),
		TeacherID:  teacherID(c),
		QuestionID: req.QuestionID,
	})
	if err != nil {
		fail(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (a *API) closeQuestion(c *gin.Context) {
	if err := a.coord.CloseQuestion(c.Request.Context(), c.Param("id"), teacherID(c)); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type buzzRequest struct {
	TeamID string `json:"team_id" binding:"required"`
}

// buzz never returns an error banner for expected rejections: a closed
// window or a duplicate buzz is a high-frequency no-op from the student's
// point of view.
func (a *API) buzz(c *gin.Context) {
	var req buzzRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := a.coord.Buzz(c.Request.Context(), c.Param("id"), req.TeamID)
	if err != nil {
		switch errors.ReasonOf(err) {
		case errors.ReasonWindowClosed, errors.ReasonDuplicateBuzz, errors.ReasonWrongPhase:
			c.JSON(http.StatusOK, gin.H{"accepted": false})
		default:
			fail(c, err)
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"accepted": true,
		"position": res.Position,
	})
}

type judgeRequest struct {
	TeamID     string `json:"team_id" binding:"required"`
	Correct    *bool  `json:"correct" binding:"required"`
	PointValue int64  `json:"point_value"`
}

func (a *API) judgeAnswer(c *gin.Context) {
	var req judgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := a.coord.JudgeAnswer(c.Request.Context(), coordinator.JudgeAnswerRequest{
		GameID:     c.Param("id"),
		TeacherID:  teacherID(c),
		TeamID:     req.TeamID,
		Correct:    *req.Correct,
		PointValue: req.PointValue,
	})
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

type adjustScoreRequest struct {
	TeamID string `json:"team_id" binding:"required"`
	Delta  int64  `json:"delta" binding:"required"`
}

func (a *API) adjustScore(c *gin.Context) {
	var req adjustScoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := a.coord.AdjustScore(c.Request.Context(), coordinator.AdjustScoreRequest{
		GameID:    c.Param("id"),
		TeacherID: teacherID(c),
		TeamID:    req.TeamID,
		Delta:     req.Delta,
	})
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

type submitWagerRequest struct {
	TeamID     string `json:"team_id" binding:"required"`
	QuestionID string `json:"question_id"`
	Type       string `json:"type" binding:"required"`
	Amount     int64  `json:"amount"`
	AnswerText string `json:"answer_text"`
}

func (a *API) submitWager(c *gin.Context) {
	var req submitWagerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	w, err := a.coord.SubmitWager(c.Request.Context(), coordinator.SubmitWagerRequest{
		GameID:     c.Param("id"),
		TeamID:     req.TeamID,
		QuestionID: req.QuestionID,
		Type:       domain.WagerType(req.Type),
		Amount:     req.Amount,
		AnswerText: req.AnswerText,
	})
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, w)
}

type finalAnswerRequest struct {
	TeamID     string `json:"team_id" binding:"required"`
	AnswerText string `json:"answer_text"`
}

func (a *API) submitFinalAnswer(c *gin.Context) {
	var req finalAnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	w, err := a.coord.SubmitFinalAnswer(c.Request.Context(), c.Param("id"), req.TeamID, req.AnswerText)
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, w)
}

type revealRequest struct {
	TeamID  string `json:"team_id" binding:"required"`
	Correct *bool  `json:"correct" binding:"required"`
}

func (a *API) revealWager(c *gin.Context) {
	var req revealRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := a.coord.RevealFinalJeopardy(c.Request.Context(), coordinator.RevealWagerRequest{
		GameID:    c.Param("id"),
		TeacherID: teacherID(c),
		TeamID:    req.TeamID,
		Correct:   *req.Correct,
	})
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

type claimTeamRequest struct {
	TeamNumber int    `json:"team_number" binding:"required"`
	Name       string `json:"name"`
}

func (a *API) claimTeam(c *gin.Context) {
	var req claimTeamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	t, err := a.games.ClaimTeam(c.Request.Context(), game.ClaimTeamRequest{
		GameID:     c.Param("id"),
		TeamNumber: req.TeamNumber,
		Name:       req.Name,
	})
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, t)
}

func (a *API) approveTeam(c *gin.Context) {
	err := a.games.ApproveTeam(c.Request.Context(), c.Param("id"), teacherID(c), c.Param("team"))
	if err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) serveWS(c *gin.Context) {
	if err := a.hub.HandleConn(c.Writer, c.Request, c.Param("id"), c.Query("team")); err != nil {
		fail(c, err)
	}
}
