package render

// Built-in transactional templates. Deployments extend or replace these
// through Register at boot.

const userWelcomeHTML = `<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; color: #333;">
  <div style="max-width: 600px; margin: 0 auto; padding: 20px;">
    <h1>Welcome aboard!</h1>
    <p>Hi {{ name | default: "there" }},</p>
    <p>Your account is ready. Please confirm your email address to get started:</p>
    {% if verification_link %}
    <p><a href="{{ verification_link }}" style="display: inline-block; background: #4CAF50; color: white; padding: 12px 24px; text-decoration: none; border-radius: 4px;">Verify email</a></p>
    {% endif %}
    <p>If you did not create this account, you can ignore this message.</p>
  </div>
</body>
</html>`

const userWelcomeText = `Hi {{ name | default: "there" }},

Your account is ready.{% if verification_link %} Confirm your email address here: {{ verification_link }}{% endif %}

If you did not create this account, you can ignore this message.`

const passwordResetHTML = `<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; color: #333;">
  <div style="max-width: 600px; margin: 0 auto; padding: 20px;">
    <h1>Password reset</h1>
    <p>We received a request to reset your password.</p>
    {% if reset_link %}
    <p><a href="{{ reset_link }}" style="display: inline-block; background: #2196F3; color: white; padding: 12px 24px; text-decoration: none; border-radius: 4px;">Choose a new password</a></p>
    {% endif %}
    <p>This link expires in {{ expires_in | default: "1 hour" }}. If you did not request a reset, no action is needed.</p>
  </div>
</body>
</html>`

const passwordResetText = `We received a request to reset your password.
{% if reset_link %}
Choose a new password: {{ reset_link }}
{% endif %}
This link expires in {{ expires_in | default: "1 hour" }}. If you did not request a reset, no action is needed.`

const groupInvitationHTML = `<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; color: #333;">
  <div style="max-width: 600px; margin: 0 auto; padding: 20px;">
    <h1>You're invited</h1>
    <p>{{ inviter_name | default: "A member" }} invited you to join <strong>{{ group_name }}</strong>.</p>
    {% if group_description %}<p>{{ group_description }}</p>{% endif %}
    {% if invite_link %}
    <p><a href="{{ invite_link }}" style="display: inline-block; background: #4CAF50; color: white; padding: 12px 24px; text-decoration: none; border-radius: 4px;">View invitation</a></p>
    {% endif %}
  </div>
</body>
</html>`

const groupInvitationText = `{{ inviter_name | default: "A member" }} invited you to join {{ group_name }}.
{% if invite_link %}
View the invitation: {{ invite_link }}
{% endif %}`

const newMessageHTML = `<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; color: #333;">
  <div style="max-width: 600px; margin: 0 auto; padding: 20px;">
    <h1>New message</h1>
    <p><strong>{{ sender_name | default: "Someone" }}</strong> sent you a message:</p>
    <blockquote style="border-left: 3px solid #ccc; margin: 10px 0; padding-left: 12px; color: #555;">{{ preview | escape }}</blockquote>
    {% if message_link %}
    <p><a href="{{ message_link }}">Read and reply</a></p>
    {% endif %}
  </div>
</body>
</html>`

const newMessageText = `{{ sender_name | default: "Someone" }} sent you a message:

{{ preview }}
{% if message_link %}
Read and reply: {{ message_link }}
{% endif %}`

const weeklyDigestHTML = `<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; color: #333;">
  <div style="max-width: 600px; margin: 0 auto; padding: 20px;">
    <h1>Your week in review</h1>
    <p>Hi {{ name | default: "there" }}, here is what happened this week:</p>
    <ul>
    {% for item in highlights %}
      <li>{{ item }}</li>
    {% endfor %}
    </ul>
    {% if unsubscribe_link %}
    <p style="color: #666; font-size: 12px;"><a href="{{ unsubscribe_link }}">Unsubscribe from digests</a></p>
    {% endif %}
  </div>
</body>
</html>`

const weeklyDigestText = `Hi {{ name | default: "there" }}, here is what happened this week:
{% for item in highlights %}
- {{ item }}
{% endfor %}`

func (e *Engine) registerBuiltins() {
	builtins := map[string]Template{
		"user_welcome": {
			Subject: "Welcome, {{ name | default: \"friend\" }}!",
			HTML:    userWelcomeHTML,
			Text:    userWelcomeText,
		},
		"password_reset": {
			Subject: "Reset your password",
			HTML:    passwordResetHTML,
			Text:    passwordResetText,
		},
		"group_invitation": {
			Subject: "You're invited to join {{ group_name }}",
			HTML:    groupInvitationHTML,
			Text:    groupInvitationText,
		},
		"new_message": {
			Subject: "New message from {{ sender_name | default: \"a member\" }}",
			HTML:    newMessageHTML,
			Text:    newMessageText,
		},
		"weekly_digest": {
			Subject: "Your weekly digest",
			HTML:    weeklyDigestHTML,
			Text:    weeklyDigestText,
		},
	}
	for name, tpl := range builtins {
		if err := e.Register(name, tpl); err != nil {
			// Built-in sources are compile-checked by tests; a parse
			// failure here is a programming error.
			panic(err)
		}
	}
}
