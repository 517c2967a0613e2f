package controller

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"leadpilot/utils"
)

// paramID reads a positive numeric route parameter.
func paramID(c *fiber.Ctx, name string) (uint, error) {
	id, err := strconv.ParseUint(c.Params(name), 10, 64)
	if err != nil || id == 0 {
		return 0, utils.NewError(utils.KindValidation, "params", "invalid "+name)
	}
	return uint(id), nil
}

// bindJSON parses an optional JSON body into out and validates it.
func bindJSON(c *fiber.Ctx, out interface{}) error {
	if len(c.Body()) > 0 {
		if err := c.BodyParser(out); err != nil {
			return utils.WrapError(utils.KindValidation, "body", err)
		}
	}
	return utils.ValidateStruct(out)
}
