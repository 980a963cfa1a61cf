package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>ChannelSync Operations</title>
  <style>
    :root {
      --ink: #14201f;
      --paper: #f6f7f2;
      --card: #fffffd;
      --line: #d4d8c8;
      --accent: #216f5e;
      --accent-2: #d98a2b;
      --danger: #bc4438;
      --muted: #707b73;
      --shadow: 0 14px 30px rgba(20, 32, 31, 0.14);
    }

    * { box-sizing: border-box; }

    body {
      margin: 0;
      font-family: "Space Grotesk", "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background:
        radial-gradient(1000px 460px at -5% -10%, rgba(217, 138, 43, 0.14), transparent 60%),
        radial-gradient(800px 460px at 110% -10%, rgba(33, 111, 94, 0.16), transparent 65%),
        linear-gradient(140deg, #f8faf3 0%, #eef4f0 45%, #fffffd 100%);
      min-height: 100vh;
      padding: 20px;
    }

    .shell {
      max-width: 1180px;
      margin: 0 auto;
      display: grid;
      gap: 14px;
    }

    .bar {
      background: linear-gradient(140deg, #fffffd, #f4f6ec);
      border: 1px solid var(--line);
      border-radius: 16px;
      padding: 16px;
      box-shadow: var(--shadow);
    }

    h1 {
      margin: 0;
      font-size: clamp(1.2rem, 2vw, 1.7rem);
      letter-spacing: 0.02em;
    }

    .sub {
      margin-top: 6px;
      color: var(--muted);
      font-size: 0.9rem;
    }

    .controls {
      display: grid;
      gap: 10px;
      grid-template-columns: 1.4fr 0.8fr 0.5fr 0.5fr;
      margin-top: 12px;
    }

    .controls input {
      width: 100%;
      border-radius: 10px;
      border: 1px solid var(--line);
      background: #ffffff;
      padding: 9px 10px;
      font: inherit;
    }

    button {
      border: 1px solid var(--line);
      background: var(--accent);
      color: #fffef9;
      border-radius: 10px;
      padding: 9px 12px;
      font: inherit;
      cursor: pointer;
    }

    button.ghost {
      background: #ffffff;
      color: var(--ink);
    }

    .grid {
      display: grid;
      gap: 14px;
      grid-template-columns: repeat(2, minmax(0, 1fr));
    }

    .card {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 16px;
      padding: 14px;
      box-shadow: var(--shadow);
      overflow: hidden;
    }

    .card h2 {
      margin: 0 0 10px;
      font-size: 1rem;
      letter-spacing: 0.04em;
      text-transform: uppercase;
      color: var(--muted);
    }

    .kv {
      display: grid;
      grid-template-columns: 160px 1fr;
      gap: 6px 12px;
      font-size: 0.92rem;
    }

    .kv dt { color: var(--muted); }
    .kv dd { margin: 0; overflow-wrap: anywhere; }

    .pill {
      display: inline-block;
      padding: 2px 10px;
      border-radius: 999px;
      font-size: 0.82rem;
      border: 1px solid var(--line);
      background: #f2f5ec;
    }

    .pill.active, .pill.green, .pill.valid { background: rgba(33, 111, 94, 0.14); color: var(--accent); }
    .pill.pending, .pill.yellow, .pill.expiring_soon, .pill.refreshing { background: rgba(217, 138, 43, 0.16); color: var(--accent-2); }
    .pill.failed, .pill.red, .pill.refresh_failed, .pill.unbound { background: rgba(188, 68, 56, 0.14); color: var(--danger); }

    table {
      width: 100%;
      border-collapse: collapse;
      font-size: 0.88rem;
    }

    th, td {
      text-align: left;
      padding: 7px 8px;
      border-bottom: 1px solid var(--line);
      overflow-wrap: anywhere;
    }

    th {
      color: var(--muted);
      font-weight: 600;
      font-size: 0.8rem;
      text-transform: uppercase;
      letter-spacing: 0.04em;
    }

    .status {
      font-size: 0.86rem;
      color: var(--muted);
    }

    .status.err { color: var(--danger); }
    .status.ok { color: var(--accent); }
    .status.warn { color: var(--accent-2); }

    .empty { color: var(--muted); font-size: 0.88rem; padding: 8px 0; }

    @media (max-width: 860px) {
      .grid { grid-template-columns: 1fr; }
      .controls { grid-template-columns: 1fr; }
    }
  </style>
</head>
<body>
  <div class="shell">
    <header class="bar">
      <h1>ChannelSync Operations</h1>
      <div class="sub">tenant channel state, kill-switch history, and the dead-letter feed &mdash; api <span id="apiBase"></span></div>
      <div class="controls">
        <input id="token" type="password" placeholder="bearer token" autocomplete="off" />
        <input id="tenant" type="text" placeholder="tenant id" autocomplete="off" />
        <button id="refresh">Refresh</button>
        <button id="toggle" class="ghost">Pause Auto</button>
      </div>
      <div class="sub status" id="status">enter token to start</div>
    </header>

    <div class="grid">
      <section class="card">
        <h2>Channel</h2>
        <dl class="kv" id="channelFields"></dl>
        <div class="empty" id="channelEmpty">no data</div>
      </section>

      <section class="card">
        <h2>Credential</h2>
        <dl class="kv" id="credFields"></dl>
        <div class="empty" id="credEmpty">no data</div>
      </section>

      <section class="card">
        <h2>Kill-Switch Events</h2>
        <table>
          <thead><tr><th>ID</th><th>Reason</th><th>Paused</th><th>At</th></tr></thead>
          <tbody id="ksRows"></tbody>
        </table>
        <div class="empty" id="ksEmpty">none recorded</div>
      </section>

      <section class="card">
        <h2>Dead Letters</h2>
        <table>
          <thead><tr><th>Envelope</th><th>Event Type</th><th>Attempts</th><th>Last Error</th></tr></thead>
          <tbody id="dlRows"></tbody>
        </table>
        <div class="empty" id="dlEmpty">queue is clean</div>
      </section>
    </div>
  </div>

  <script>
    (function () {
      const dom = {
        token: document.getElementById("token"),
        tenant: document.getElementById("tenant"),
        refresh: document.getElementById("refresh"),
        toggle: document.getElementById("toggle"),
        status: document.getElementById("status"),
        apiBase: document.getElementById("apiBase"),
        channelFields: document.getElementById("channelFields"),
        channelEmpty: document.getElementById("channelEmpty"),
        credFields: document.getElementById("credFields"),
        credEmpty: document.getElementById("credEmpty"),
        ksRows: document.getElementById("ksRows"),
        ksEmpty: document.getElementById("ksEmpty"),
        dlRows: document.getElementById("dlRows"),
        dlEmpty: document.getElementById("dlEmpty"),
      };

      const store = { paused: false, timer: null, intervalMs: 5000 };

      function getBase() { return window.location.origin; }
      function getToken() { return String(dom.token.value || "").trim(); }
      function getTenant() { return String(dom.tenant.value || "").trim(); }

      function setStatus(text, kind) {
        dom.status.textContent = text;
        dom.status.className = "sub status " + (kind || "");
      }

      function pill(value) {
        const v = String(value || "");
        return '<span class="pill ' + v + '">' + v + "</span>";
      }

      async function apiGet(path) {
        const resp = await fetch(getBase() + path, {
          headers: {
            "Authorization": "Bearer " + getToken(),
            "X-Correlation-Id": "dash_" + Date.now(),
          },
        });
        if (!resp.ok) {
          let message = "HTTP " + resp.status;
          try {
            const body = await resp.json();
            if (body && body.message) { message = body.message; }
          } catch (e) {}
          const err = new Error(message);
          err.status = resp.status;
          throw err;
        }
        return resp.json();
      }

      function renderFields(target, empty, pairs) {
        target.innerHTML = "";
        if (!pairs || pairs.length === 0) {
          empty.style.display = "";
          return;
        }
        empty.style.display = "none";
        for (const [label, html] of pairs) {
          const dt = document.createElement("dt");
          dt.textContent = label;
          const dd = document.createElement("dd");
          dd.innerHTML = html;
          target.appendChild(dt);
          target.appendChild(dd);
        }
      }

      function text(value) {
        const div = document.createElement("div");
        div.textContent = String(value == null ? "" : value);
        return div.innerHTML;
      }

      function renderChannel(record) {
        renderFields(dom.channelFields, dom.channelEmpty, [
          ["Tenant", text(record.tenantId)],
          ["External ID", text(record.externalId || "—")],
          ["Sync Status", pill(record.syncStatus)],
          ["Quality", pill(record.quality)],
          ["Capability Blocked", text(record.capabilityBlocked ? (record.capabilityReason || "yes") : "no")],
          ["Account Blocked", text(record.accountBlocked ? (record.accountReason || "yes") : "no")],
          ["Last Synced", text(record.lastSyncedAt || "never")],
          ["Last Sync Error", text(record.lastSyncError || "—")],
        ]);
      }

      function renderCredential(cred) {
        renderFields(dom.credFields, dom.credEmpty, [
          ["Status", pill(cred.status)],
          ["Secret Ref", text(cred.secretRef)],
          ["Expires", text(cred.expiresAt)],
          ["Refresh Failures", text(cred.refreshFailureCount || 0)],
          ["Last Refresh", text(cred.lastRefreshAt || "never")],
          ["Last Error", text(cred.lastRefreshError || "—")],
        ]);
      }

      function renderRows(tbody, empty, rows) {
        tbody.innerHTML = "";
        if (!rows || rows.length === 0) {
          empty.style.display = "";
          return;
        }
        empty.style.display = "none";
        for (const cells of rows) {
          const tr = document.createElement("tr");
          tr.innerHTML = cells.map((c) => "<td>" + c + "</td>").join("");
          tbody.appendChild(tr);
        }
      }

      async function refresh() {
        const tenant = getTenant();
        if (!getToken() || !tenant) {
          setStatus("enter token and tenant id", "warn");
          return;
        }
        const base = "/v1/tenants/" + encodeURIComponent(tenant);
        const partialErrors = [];

        try {
          renderChannel(await apiGet(base + "/channel"));
        } catch (err) {
          partialErrors.push("channel: " + err.message);
          renderFields(dom.channelFields, dom.channelEmpty, []);
        }

        try {
          renderCredential(await apiGet(base + "/credential"));
        } catch (err) {
          if (err.status !== 404) { partialErrors.push("credential: " + err.message); }
          renderFields(dom.credFields, dom.credEmpty, []);
        }

        try {
          const events = await apiGet(base + "/killswitch-events");
          renderRows(dom.ksRows, dom.ksEmpty, (events.items || []).map((e) => [
            text(e.id), text(e.reason), text(e.pausedCount), text(e.timestamp),
          ]));
        } catch (err) {
          partialErrors.push("kill-switch: " + err.message);
          renderRows(dom.ksRows, dom.ksEmpty, []);
        }

        try {
          const feed = await apiGet(base + "/dead-letter?limit=50");
          renderRows(dom.dlRows, dom.dlEmpty, (feed.items || []).map((d) => [
            text(d.envelopeId), text(d.request && d.request.eventType), text(d.attemptCount), text(d.lastError),
          ]));
        } catch (err) {
          partialErrors.push("dead-letter: " + err.message);
          renderRows(dom.dlRows, dom.dlEmpty, []);
        }

        if (partialErrors.length > 0) {
          setStatus("partial: " + partialErrors[0], "warn");
        } else {
          setStatus("ok · " + new Date().toLocaleTimeString(), "ok");
        }
        window.localStorage.setItem("channelsync_dashboard_token", getToken());
        window.localStorage.setItem("channelsync_dashboard_tenant", tenant);
      }

      function ensureTimer() {
        if (store.timer) {
          clearInterval(store.timer);
          store.timer = null;
        }
        if (!store.paused) {
          store.timer = setInterval(refresh, store.intervalMs);
        }
      }

      dom.refresh.addEventListener("click", refresh);
      dom.toggle.addEventListener("click", function () {
        store.paused = !store.paused;
        dom.toggle.textContent = store.paused ? "Resume Auto" : "Pause Auto";
        ensureTimer();
      });
      dom.token.addEventListener("change", refresh);
      dom.tenant.addEventListener("change", refresh);

      dom.token.value = window.localStorage.getItem("channelsync_dashboard_token") || "";
      dom.tenant.value = window.localStorage.getItem("channelsync_dashboard_tenant") || "";
      dom.apiBase.textContent = getBase();

      ensureTimer();
      if (dom.token.value && dom.tenant.value) {
        refresh();
      }
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
