/*
Package tlsLayer provides the two tls roles of the relay and a tls1.3 record layer that can pad.

握手交给 crypto/tls (或 utls), 之后若需要填充, 用 KeyLogWriter 截获的 traffic secret
接管记录层, 自己加解密 tls1.3 的应用数据记录 (RFC 8446 5.2~5.4), 并在每个记录的内部明文末尾填充零字节.
对方看到的依然是完全标准的 tls1.3 连接.
*/
package tlsLayer
