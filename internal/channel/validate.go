package channel

import (
	"bytes"
	"encoding/json"
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/suPer8Hu/marketplace-chat/internal/chat"
)

var unsafePatterns = []string{"javascript:", "<script", "onclick", "onerror"}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("safe_content", func(fl validator.FieldLevel) bool {
		s := strings.ToLower(fl.Field().String())
		for _, p := range unsafePatterns {
			if strings.Contains(s, p) {
				return false
			}
		}
		return true
	})
	return v
}

// envelope is the part of every inbound payload used for dispatch. The
// presence channel historically keyed on "type".
type envelope struct {
	Action string `json:"action"`
	Type   string `json:"type"`
}

func (e envelope) name() string {
	if e.Action != "" {
		return e.Action
	}
	return e.Type
}

type SendMessage struct {
	ConversationID uint64          `json:"conversation_id" validate:"required,gt=0"`
	Content        string          `json:"content" validate:"required,max=5000,safe_content"`
	MessageType    string          `json:"message_type" validate:"omitempty,oneof=text image file"`
	AdID           *uint64         `json:"ad_id" validate:"omitempty,gt=0"`
	ProductContext json.RawMessage `json:"product_context"`
}

type Typing struct {
	ConversationID uint64 `json:"conversation_id" validate:"required,gt=0"`
	Typing         bool   `json:"typing"`
}

type MessageRef struct {
	MessageID uint64 `json:"message_id" validate:"required,gt=0"`
}

var errNotObject = &ValidationError{Message: "Invalid data", Details: map[string]string{"data": "must be a non-empty object"}}

// decodeObject rejects anything but a non-empty JSON object.
func decodeObject(data json.RawMessage, v any) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' || bytes.Equal(trimmed, []byte("{}")) {
		return errNotObject
	}
	if err := json.Unmarshal(trimmed, v); err != nil {
		return &ValidationError{Message: "Invalid data", Details: map[string]string{"data": err.Error()}}
	}
	return nil
}

// bind decodes data into v and runs the struct rules on it.
func bind(data json.RawMessage, v any) error {
	if err := decodeObject(data, v); err != nil {
		return err
	}
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return &ValidationError{Message: "Data validation failed"}
		}
		details := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			details[fe.Field()] = describe(fe)
		}
		return &ValidationError{Message: "Invalid data", Details: details}
	}
	return nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return "is too long"
	case "gt":
		return "must be positive"
	case "oneof":
		return "must be one of " + fe.Param()
	case "safe_content":
		return "contains potentially dangerous content"
	}
	return "is invalid"
}

// normalize fills defaults and checks what struct tags cannot express.
func (m *SendMessage) normalize() error {
	if m.MessageType == "" {
		m.MessageType = chat.TypeText
	}
	if pc := bytes.TrimSpace(m.ProductContext); len(pc) > 0 && !bytes.Equal(pc, []byte("null")) && pc[0] != '{' {
		return &ValidationError{Message: "Invalid data", Details: map[string]string{"product_context": "must be an object"}}
	}
	return nil
}
