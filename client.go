package main

import (
	"net/http"

	"github.com/julienschmidt/httprouter"
)

// Simple HTML client for playing in a browser
const clientHTML = `<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>rarebird</title>
<style>
  body { font-family: system-ui, -apple-system, BlinkMacSystemFont, "Segoe UI", sans-serif; margin: 2rem; max-width: 40rem; }
  h1 { margin-bottom: 0.25rem; }
  #status { margin-bottom: 1rem; font-size: 0.9rem; color: #555; }
  #phase { font-weight: bold; }
  section { margin: 1rem 0; padding: 0.75rem; border: 1px solid #ddd; border-radius: 6px; }
  .hidden { display: none; }
  .picks button { width: 2.4rem; height: 2.4rem; margin: 0.1rem; font-size: 1rem; }
  .picks button.chosen { background: #2b6; color: #fff; }
  table { border-collapse: collapse; width: 100%; }
  td, th { padding: 0.25rem 0.5rem; text-align: left; border-bottom: 1px solid #eee; }
  tr.offline { color: #999; }
  #message { color: #b22; min-height: 1.2rem; }
  #qr { margin-top: 0.5rem; }
</style>
</head>
<body>
<h1>rarebird</h1>
<div id="status">Connecting… <span id="phase"></span></div>
<div id="message"></div>

<section id="join">
  <input id="name" maxlength="20" placeholder="Your name">
  <button id="joinBtn">Join</button>
  <div><a id="qr" href="#">Show QR to share this game</a></div>
</section>

<section id="play" class="hidden">
  <div class="picks" id="picks"></div>
  <label>What % of the crowd picked the same number?
    <input id="prediction" type="number" min="0" max="100" step="0.1" value="10">
  </label>
  <button id="submitBtn">Submit</button>
  <span id="ack"></span>
</section>

<section id="results" class="hidden">
  <h3>Round results</h3>
  <table id="resultsTable"></table>
</section>

<section>
  <h3>Leaderboard <small id="counts"></small></h3>
  <table id="board"></table>
</section>

<section id="admin">
  <details>
    <summary>Admin</summary>
    <input id="secret" type="password" placeholder="Admin secret">
    <button data-action="start_round">Start round</button>
    <button data-action="resolve_round">Resolve</button>
    <button data-action="next_round">Next round</button>
    <button data-action="reset">Reset</button>
  </details>
</section>

<script>
(function() {
  const statusEl = document.getElementById('status');
  const phaseEl = document.getElementById('phase');
  const messageEl = document.getElementById('message');
  const ackEl = document.getElementById('ack');
  let choice = 0;

  document.getElementById('qr').href = location.pathname.replace(/\/$/, '') + '/qr';

  const picksEl = document.getElementById('picks');
  for (let i = 1; i <= 10; i++) {
    const b = document.createElement('button');
    b.textContent = i;
    b.onclick = function() {
      choice = i;
      picksEl.querySelectorAll('button').forEach(x => x.classList.remove('chosen'));
      b.classList.add('chosen');
    };
    picksEl.appendChild(b);
  }

  const proto = (location.protocol === 'https:') ? 'wss://' : 'ws://';
  const wsPath = location.pathname.replace(/\/$/, '') + '/ws';
  const ws = new WebSocket(proto + location.host + wsPath);

  ws.onopen = function() { statusEl.firstChild.textContent = 'Connected. '; };
  ws.onclose = function() { statusEl.firstChild.textContent = 'Disconnected. '; };

  document.getElementById('joinBtn').onclick = function() {
    const name = document.getElementById('name').value.trim();
    if (!name) return;
    ws.send(JSON.stringify({ type: 'join_lobby', identity: name }));
    document.getElementById('play').classList.remove('hidden');
  };

  document.getElementById('submitBtn').onclick = function() {
    messageEl.textContent = '';
    ackEl.textContent = '';
    ws.send(JSON.stringify({
      type: 'submit_choice',
      choice: choice,
      prediction: parseFloat(document.getElementById('prediction').value)
    }));
  };

  document.querySelectorAll('#admin button').forEach(function(b) {
    b.onclick = function() {
      messageEl.textContent = '';
      ws.send(JSON.stringify({
        type: 'admin_action',
        action: b.dataset.action,
        secret: document.getElementById('secret').value
      }));
    };
  });

  function renderBoard(rows) {
    const board = document.getElementById('board');
    board.innerHTML = '<tr><th>#</th><th>Player</th><th>Score</th></tr>';
    rows.forEach(function(s, i) {
      const tr = document.createElement('tr');
      if (!s.online) tr.className = 'offline';
      tr.innerHTML = '<td>' + (i + 1) + '</td><td></td><td>' + s.score + '</td>';
      tr.children[1].textContent = s.identity + (s.online ? '' : ' (away)');
      board.appendChild(tr);
    });
  }

  function renderResults(rows) {
    const sec = document.getElementById('results');
    const table = document.getElementById('resultsTable');
    if (!rows || rows.length === 0) {
      sec.classList.add('hidden');
      return;
    }
    sec.classList.remove('hidden');
    table.innerHTML = '<tr><th>Player</th><th>Pick</th><th>Predicted</th><th>Actual</th><th>Round</th></tr>';
    rows.forEach(function(r) {
      const tr = document.createElement('tr');
      tr.innerHTML = '<td></td><td>' + r.choice + '</td><td>' + r.prediction +
        '%</td><td>' + r.popularity + '%</td><td>' + r.round_score + '</td>';
      tr.children[0].textContent = r.identity;
      table.appendChild(tr);
    });
  }

  ws.onmessage = function(event) {
    try {
      const msg = JSON.parse(event.data);

      if (msg.type === 'game_state_update') {
        phaseEl.textContent = msg.phase + ' · round ' + msg.round;
        document.getElementById('counts').textContent =
          msg.online_count + ' online' +
          (msg.phase === 'round_input' ? ', ' + msg.submitted_count + ' submitted' : '');
        renderBoard(msg.leaderboard || []);
        renderResults(msg.results);
        return;
      }

      if (msg.type === 'submission_ack') {
        ackEl.textContent = 'Locked in ' + msg.choice + ' / ' + msg.prediction + '% for round ' + msg.round;
        return;
      }

      if (msg.type === 'error_message') {
        messageEl.textContent = msg.message;
        return;
      }
    } catch (e) {
      console.error('bad message', e);
    }
  };
})();
</script>
</body>
</html>
`

func serveGameClient(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		securityHeaders(cfg, w)

		_, _ = w.Write([]byte(clientHTML))
	}
}
