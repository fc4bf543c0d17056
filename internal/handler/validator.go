package handler

import (
	"net/http"
	"sort"
	"strings"

	"github.com/go-errors/errors"
	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	enTranslations "github.com/go-playground/validator/v10/translations/en"
	"github.com/labstack/echo/v4"
)

// CustomValidator echo 请求校验，错误信息经过翻译
type CustomValidator struct {
	Validator *validator.Validate
	trans     ut.Translator
}

// TransInit 注册默认翻译
func (cv *CustomValidator) TransInit() error {
	locale := en.New()
	uni := ut.New(locale, locale)
	trans, _ := uni.GetTranslator("en")
	if err := enTranslations.RegisterDefaultTranslations(cv.Validator, trans); err != nil {
		return err
	}
	cv.trans = trans
	return nil
}

func (cv *CustomValidator) Validate(i interface{}) error {
	err := cv.Validator.Struct(i)
	if err == nil {
		return nil
	}
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) || cv.trans == nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	var messages []string
	for _, msg := range errs.Translate(cv.trans) {
		messages = append(messages, msg)
	}
	sort.Strings(messages)
	return echo.NewHTTPError(http.StatusBadRequest, strings.Join(messages, "; "))
}
