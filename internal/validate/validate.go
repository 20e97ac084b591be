// Package validate holds the form checks that run before any network call.
package validate

import (
	"regexp"
	"strings"
	"unicode"

	"cyconnect/pkg/errors"
)

// MinPasswordLength matches the identity provider's password policy
const MinPasswordLength = 8

// Field names used in AppError.Fields
const (
	FieldName            = "name"
	FieldEmail           = "email"
	FieldPassword        = "password"
	FieldConfirmPassword = "confirmPassword"
	FieldCode            = "code"
)

var emailPattern = regexp.MustCompile(`\S+@\S+\.\S+`)

// SignUpForm is the registration form as entered by the user
type SignUpForm struct {
	Name            string
	Email           string
	Password        string
	ConfirmPassword string
}

// Email checks a single email field
func Email(email string) string {
	email = strings.TrimSpace(email)
	switch {
	case email == "":
		return "Email is required"
	case !emailPattern.MatchString(email):
		return "Invalid email format"
	}
	return ""
}

// Password checks a single password field
func Password(password string) string {
	switch {
	case password == "":
		return "Password is required"
	case len([]rune(password)) < MinPasswordLength:
		return "Password must be at least 8 characters"
	}
	return ""
}

// SignIn validates the sign-in form
func SignIn(email, password string) *errors.AppError {
	fields := map[string]string{}
	if msg := Email(email); msg != "" {
		fields[FieldEmail] = msg
	}
	if msg := Password(password); msg != "" {
		fields[FieldPassword] = msg
	}
	return result(fields)
}

// SignUp validates the registration form
func SignUp(form SignUpForm) *errors.AppError {
	fields := map[string]string{}
	if strings.TrimSpace(form.Name) == "" {
		fields[FieldName] = "Full name is required"
	}
	if msg := Email(form.Email); msg != "" {
		fields[FieldEmail] = msg
	}
	if msg := Password(form.Password); msg != "" {
		fields[FieldPassword] = msg
	}
	switch {
	case form.ConfirmPassword == "":
		fields[FieldConfirmPassword] = "Please confirm your password"
	case form.ConfirmPassword != form.Password:
		fields[FieldConfirmPassword] = "Passwords do not match"
	}
	return result(fields)
}

// Code checks an OTP of the given length
func Code(code string, length int) *errors.AppError {
	if len(code) != length || strings.IndexFunc(code, func(r rune) bool { return !unicode.IsDigit(r) || r > unicode.MaxASCII }) >= 0 {
		return errors.NewValidationError("Please enter a valid OTP.", map[string]string{
			FieldCode: "Enter all digits of the code",
		})
	}
	return nil
}

func result(fields map[string]string) *errors.AppError {
	if len(fields) == 0 {
		return nil
	}
	return errors.NewValidationError(firstMessage(fields), fields)
}

// firstMessage picks a stable summary message in form order
func firstMessage(fields map[string]string) string {
	for _, key := range []string{FieldName, FieldEmail, FieldPassword, FieldConfirmPassword, FieldCode} {
		if msg, ok := fields[key]; ok {
			return msg
		}
	}
	return "Invalid input"
}
