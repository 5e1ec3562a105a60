package offline

// offlinePageHTML is served for navigations when both the cache and the
// network have failed and no snapshot of /offline.html exists. It must render
// with zero further network calls, so everything is inline.
const offlinePageHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>DuoVerse - Offline</title>
<style>
body {
  margin: 0;
  min-height: 100vh;
  display: flex;
  align-items: center;
  justify-content: center;
  background: #0A0F1E;
  color: #EAF2FF;
  font-family: -apple-system, "Segoe UI", Roboto, sans-serif;
  text-align: center;
}
.card { padding: 2rem; }
h1 { color: #4DA3FF; margin-bottom: 0.5rem; }
p { color: #9FB3D1; margin-bottom: 1.5rem; }
button {
  background: #4DA3FF;
  color: #0A0F1E;
  border: 0;
  border-radius: 8px;
  padding: 0.75rem 2rem;
  font-size: 1rem;
  cursor: pointer;
}
</style>
</head>
<body>
<div class="card">
<h1>You're Offline</h1>
<p>DuoVerse can't reach the network right now. Your messages and photos are saved and will be sent once you're back online.</p>
<button onclick="location.reload()">Try Again</button>
</div>
</body>
</html>
`
