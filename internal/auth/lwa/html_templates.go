package lwa

import (
	"fmt"
	"html"
)

// HTMLProvider supplies the markup returned to the user's browser after the
// authorization redirect. Implementations can brand the pages; the protocol
// logic never depends on their contents.
type HTMLProvider interface {
	// SuccessHTML returns the page shown after a successful authorization.
	SuccessHTML() string
	// ErrorHTML returns the page shown when the authorization failed, with a
	// human-readable message describing the failure.
	ErrorHTML(message string) string
}

// DefaultHTMLProvider renders the built-in success and error pages.
type DefaultHTMLProvider struct{}

// SuccessHTML returns the built-in success page.
func (DefaultHTMLProvider) SuccessHTML() string {
	return loginSuccessHTML
}

// ErrorHTML returns the built-in error page with the message escaped into the body.
func (DefaultHTMLProvider) ErrorHTML(message string) string {
	return fmt.Sprintf(loginErrorHTML, html.EscapeString(message))
}

// loginSuccessHTML is the HTML template displayed to users after successful
// authorization. It provides a minimal styled page prompting the user to
// return to the application.
const loginSuccessHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Authorization Successful</title>
    <style>
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            display: flex;
            justify-content: center;
            align-items: center;
            min-height: 100vh;
            margin: 0;
            background: linear-gradient(135deg, #667eea 0%, #764ba2 100%);
        }
        .container {
            text-align: center;
            background: white;
            padding: 2.5rem;
            border-radius: 12px;
            box-shadow: 0 10px 25px rgba(0,0,0,0.1);
            max-width: 480px;
        }
        h1 { color: #10b981; margin-bottom: 0.5rem; }
        p { color: #4b5563; }
    </style>
</head>
<body>
    <div class="container">
        <h1>&#10003; Authorization Successful</h1>
        <p>Your advertising account has been connected.</p>
        <p>You can close this window and return to the application.</p>
    </div>
</body>
</html>`

// loginErrorHTML is the HTML template displayed when the authorization flow
// fails. The single formatting verb receives the escaped error message.
const loginErrorHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Authorization Failed</title>
    <style>
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            display: flex;
            justify-content: center;
            align-items: center;
            min-height: 100vh;
            margin: 0;
            background: linear-gradient(135deg, #667eea 0%%, #764ba2 100%%);
        }
        .container {
            text-align: center;
            background: white;
            padding: 2.5rem;
            border-radius: 12px;
            box-shadow: 0 10px 25px rgba(0,0,0,0.1);
            max-width: 480px;
        }
        h1 { color: #cb2431; margin-bottom: 0.5rem; }
        p { color: #4b5563; }
    </style>
</head>
<body>
    <div class="container">
        <h1>&#10007; Authorization Failed</h1>
        <p>%s</p>
        <p>You can close this window and try again from the application.</p>
    </div>
</body>
</html>`
