package controller

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"leadpilot/models"
	"leadpilot/services"
	"leadpilot/utils"
)

// ScoreController serves lead scores and prospect research.
type ScoreController struct {
	Scorer     *services.Scorer
	Researcher *services.Researcher
	Logger     *logrus.Entry
}

func NewScoreController(scorer *services.Scorer, researcher *services.Researcher) *ScoreController {
	return &ScoreController{
		Scorer:     scorer,
		Researcher: researcher,
		Logger:     utils.Logger("score_controller"),
	}
}

// ScoreProspect recalculates one prospect's score.
func (sc *ScoreController) ScoreProspect(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return utils.ErrorFromKind(c, "Invalid prospect ID", err)
	}

	row, err := sc.Scorer.Recalculate(c.UserContext(), id, models.ReasonManual)
	if err != nil {
		return utils.ErrorFromKind(c, "Failed to score prospect", err)
	}
	return c.JSON(utils.SuccessResponse(row))
}

func (sc *ScoreController) RecalculateScores(c *fiber.Ctx) error {
	var input struct {
		PillarID *uint `json:"pillar_id"`
		Limit    int   `json:"limit" validate:"gte=0,lte=1000"`
	}
	if err := bindJSON(c, &input); err != nil {
		return utils.ErrorFromKind(c, "Invalid request body", err)
	}

	result, err := sc.Scorer.BatchRecalculate(c.UserContext(), input.PillarID, input.Limit)
	if err != nil {
		return utils.ErrorFromKind(c, "Failed to recalculate scores", err)
	}
	return c.JSON(utils.SuccessResponse(result))
}

func (sc *ScoreController) GetLeaderboard(c *fiber.Ctx) error {
	var filter services.LeaderboardFilter
	if err := c.QueryParser(&filter); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid query parameters", err)
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Unknown prospect status", nil)
	}

	prospects, err := sc.Scorer.Leaderboard(c.UserContext(), filter)
	if err != nil {
		return utils.ErrorFromKind(c, "Failed to fetch leaderboard", err)
	}
	return c.JSON(utils.SuccessResponse(prospects))
}

// GetScoreHistory returns a prospect's score changes, newest first.
func (sc *ScoreController) GetScoreHistory(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return utils.ErrorFromKind(c, "Invalid prospect ID", err)
	}

	rows, err := sc.Scorer.History(c.UserContext(), id)
	if err != nil {
		return utils.ErrorFromKind(c, "Failed to fetch score history", err)
	}
	return c.JSON(utils.SuccessResponse(rows))
}

// ResearchProspects builds research briefs for a batch of prospects.
func (sc *ScoreController) ResearchProspects(c *fiber.Ctx) error {
	var input struct {
		ProspectIDs   []uint `json:"prospect_ids" validate:"required,min=1,max=100"`
		MaxConcurrent int    `json:"max_concurrent" validate:"gte=0,lte=10"`
	}
	if err := bindJSON(c, &input); err != nil {
		return utils.ErrorFromKind(c, "Invalid request body", err)
	}

	result := sc.Researcher.BatchResearch(c.UserContext(), input.ProspectIDs, input.MaxConcurrent)
	sc.Logger.WithFields(logrus.Fields{
		"requested": len(input.ProspectIDs),
		"succeeded": result.Succeeded,
		"failed":    result.Failed,
	}).Info("Research batch completed")
	return c.JSON(utils.SuccessResponse(result))
}
