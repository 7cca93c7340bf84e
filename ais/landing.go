/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package ais

// landingPage is the static page served at GET /.
const landingPage = `<!DOCTYPE html>
<html>
<head><title>datgate</title></head>
<body>
<h1>datgate</h1>
<p>An HTTP/WebSocket gateway onto the Dat network.</p>
<p>Request <code>/&lt;key-or-name&gt;/&lt;path&gt;</code> to read a file from an archive,
or open a WebSocket to <code>/&lt;key-or-name&gt;</code> to replicate one.</p>
</body>
</html>
`
