// Package validation checks submitted form fields and collects one error
// message per field.
package validation

import (
	"context"
	"errors"
	"fmt"
	"html"
	"mime/multipart"
	"net/url"
	"slices"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// ErrNoUniqueChecker is recorded when Unique is used on a validator built
// without a lookup.
var ErrNoUniqueChecker = errors.New("validation: no uniqueness checker configured")

// UniqueChecker reports whether a value already exists in table.column,
// ignoring the row with exceptID when it is non-zero.
type UniqueChecker interface {
	Exists(ctx context.Context, table, column, value string, exceptID int64) (bool, error)
}

// Validator runs chained rules over one input record.
type Validator struct {
	data   map[string]string
	files  map[string][]*multipart.FileHeader
	unique UniqueChecker

	errors map[string]string
	order  []string
	err    error
}

// New returns a validator over data. unique may be nil when no rule needs
// the database.
func New(data map[string]string, unique UniqueChecker) *Validator {
	if data == nil {
		data = map[string]string{}
	}
	return &Validator{
		data:   data,
		unique: unique,
		errors: map[string]string{},
	}
}

// FormData flattens submitted form values, keeping the first value per key.
func FormData(values url.Values) map[string]string {
	data := make(map[string]string, len(values))
	for key, vals := range values {
		if len(vals) > 0 {
			data[key] = vals[0]
		}
	}
	return data
}

// SetData rebinds the validator to a new record. Collected errors are kept.
func (v *Validator) SetData(data map[string]string) *Validator {
	if data == nil {
		data = map[string]string{}
	}
	v.data = data
	return v
}

// WithFiles attaches the uploaded files of a multipart request.
func (v *Validator) WithFiles(files map[string][]*multipart.FileHeader) *Validator {
	v.files = files
	return v
}

// Errors returns the field to message map.
func (v *Validator) Errors() map[string]string {
	out := make(map[string]string, len(v.errors))
	for field, msg := range v.errors {
		out[field] = msg
	}
	return out
}

func (v *Validator) HasErrors() bool {
	return len(v.errors) > 0
}

// FirstError returns the message of the field that failed first, or "".
func (v *Validator) FirstError() string {
	if len(v.order) == 0 {
		return ""
	}
	return v.errors[v.order[0]]
}

// Err returns the first infrastructure failure hit while validating, such
// as a failed uniqueness query. Field errors are not reported here.
func (v *Validator) Err() error {
	return v.err
}

// AddError records msg for field, replacing any earlier message.
func (v *Validator) AddError(field, msg string) *Validator {
	if _, ok := v.errors[field]; !ok {
		v.order = append(v.order, field)
	}
	v.errors[field] = msg
	return v
}

func (v *Validator) ClearErrors() *Validator {
	v.errors = map[string]string{}
	v.order = nil
	v.err = nil
	return v
}

func (v *Validator) Required(field string, message ...string) *Validator {
	if value := v.data[field]; value == "" {
		v.fail(field, message, "حقل "+field+" مطلوب")
	}
	return v
}

func (v *Validator) Email(field string, message ...string) *Validator {
	if value := v.data[field]; value != "" && !IsEmail(value) {
		v.fail(field, message, "البريد الإلكتروني غير صالح")
	}
	return v
}

func (v *Validator) MinLength(field string, n int, message ...string) *Validator {
	if value := v.data[field]; value != "" && Length(value) < n {
		v.fail(field, message, fmt.Sprintf("يجب أن يكون %s على الأقل %d أحرف", field, n))
	}
	return v
}

func (v *Validator) MaxLength(field string, n int, message ...string) *Validator {
	if value := v.data[field]; value != "" && Length(value) > n {
		v.fail(field, message, fmt.Sprintf("يجب ألا يتجاوز %s %d حرف", field, n))
	}
	return v
}

// Matches fails when field and other differ. Unlike the other rules it also
// runs on empty values.
func (v *Validator) Matches(field, other string, message ...string) *Validator {
	if v.data[field] != v.data[other] {
		v.fail(field, message, "الحقول غير متطابقة")
	}
	return v
}

// Unique fails when the value is already stored in table.column. An empty
// column defaults to the field name; exceptID excludes the record being
// edited.
func (v *Validator) Unique(ctx context.Context, field, table, column string, exceptID int64, message ...string) *Validator {
	value := v.data[field]
	if value == "" {
		return v
	}
	if column == "" {
		column = field
	}
	if v.unique == nil {
		v.setErr(ErrNoUniqueChecker)
		return v
	}
	taken, err := v.unique.Exists(ctx, table, column, value, exceptID)
	if err != nil {
		v.setErr(fmt.Errorf("unique %s.%s: %w", table, column, err))
		return v
	}
	if taken {
		v.fail(field, message, "هذه القيمة مستخدمة بالفعل")
	}
	return v
}

// StrongPassword reports every missing strength requirement in one message.
func (v *Validator) StrongPassword(field string, message ...string) *Validator {
	value := v.data[field]
	if value == "" {
		return v
	}
	if missing := MissingPasswordRequirements(value); len(missing) > 0 {
		v.fail(field, message, "كلمة المرور يجب أن تحتوي على: "+strings.Join(missing, ", "))
	}
	return v
}

func (v *Validator) Username(field string, message ...string) *Validator {
	if value := v.data[field]; value != "" && !IsUsername(value) {
		v.fail(field, message, "اسم المستخدم يجب أن يبدأ بحرف ويحتوي فقط على حروف إنجليزية وأرقام وشرطات سفلية (3-30 حرف)")
	}
	return v
}

func (v *Validator) Numeric(field string, message ...string) *Validator {
	if value := v.data[field]; value != "" && !IsNumeric(value) {
		v.fail(field, message, "يجب أن يكون "+field+" رقماً")
	}
	return v
}

func (v *Validator) In(field string, allowed []string, message ...string) *Validator {
	if value := v.data[field]; value != "" && !slices.Contains(allowed, value) {
		v.fail(field, message, "القيمة المحددة غير مسموحة")
	}
	return v
}

func (v *Validator) URL(field string, message ...string) *Validator {
	if value := v.data[field]; value != "" && !IsURL(value) {
		v.fail(field, message, "الرابط غير صالح")
	}
	return v
}

// Date checks value against a Go time layout; "" means DefaultDateLayout.
func (v *Validator) Date(field, layout string, message ...string) *Validator {
	if value := v.data[field]; value != "" && !IsDate(value, layout) {
		v.fail(field, message, "صيغة التاريخ غير صحيحة")
	}
	return v
}

// Image checks an uploaded file, if one was submitted for field. The MIME
// type is sniffed from the file content; the client supplied type is ignored.
func (v *Validator) Image(field string, maxSize int64, message ...string) *Validator {
	headers := v.files[field]
	if len(headers) == 0 || headers[0] == nil {
		return v
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxImageSize
	}
	header := headers[0]

	f, err := header.Open()
	if err != nil {
		v.fail(field, message, "حدث خطأ أثناء رفع الملف")
		return v
	}
	defer f.Close()

	mtype, err := mimetype.DetectReader(f)
	if err != nil {
		v.fail(field, message, "حدث خطأ أثناء رفع الملف")
		return v
	}
	if !IsAllowedImage(mtype.String()) {
		v.fail(field, message, "نوع الملف غير مسموح. الأنواع المسموحة: JPG, PNG, GIF, WEBP")
		return v
	}
	if header.Size > maxSize {
		v.fail(field, message, "حجم الملف يجب ألا يتجاوز "+formatMegabytes(maxSize)+" ميجابايت")
	}
	return v
}

func (v *Validator) fail(field string, custom []string, fallback string) {
	if len(custom) > 0 && custom[0] != "" {
		v.AddError(field, custom[0])
		return
	}
	v.AddError(field, fallback)
}

func (v *Validator) setErr(err error) {
	if v.err == nil {
		v.err = err
	}
}

// Sanitize trims value and escapes it for HTML output.
func Sanitize(value string) string {
	return html.EscapeString(strings.TrimSpace(value))
}
