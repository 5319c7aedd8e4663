package validation

import "context"

// ValidateRegistration checks a sign-up form: username, email, password,
// password_confirm and full_name.
func (v *Validator) ValidateRegistration(ctx context.Context) *Validator {
	return v.
		Required("username", "اسم المستخدم مطلوب").
		Username("username").
		MinLength("username", 3, "اسم المستخدم يجب أن يكون 3 أحرف على الأقل").
		MaxLength("username", 30, "اسم المستخدم يجب ألا يتجاوز 30 حرف").
		Unique(ctx, "username", "users", "username", 0, "اسم المستخدم مستخدم بالفعل").
		Required("email", "البريد الإلكتروني مطلوب").
		Email("email").
		MaxLength("email", 255, "البريد الإلكتروني يجب ألا يتجاوز 255 حرف").
		Unique(ctx, "email", "users", "email", 0, "البريد الإلكتروني مستخدم بالفعل").
		Required("password", "كلمة المرور مطلوبة").
		StrongPassword("password").
		Required("password_confirm", "تأكيد كلمة المرور مطلوب").
		Matches("password_confirm", "password", "كلمات المرور غير متطابقة").
		Required("full_name", "الاسم الكامل مطلوب").
		MinLength("full_name", 3, "الاسم يجب أن يكون 3 أحرف على الأقل").
		MaxLength("full_name", 100, "الاسم يجب ألا يتجاوز 100 حرف")
}

// ValidateLogin only checks presence, so a failure never hints at which
// account constraint was involved.
func (v *Validator) ValidateLogin() *Validator {
	return v.
		Required("username", "اسم المستخدم أو البريد الإلكتروني مطلوب").
		Required("password", "كلمة المرور مطلوبة")
}
