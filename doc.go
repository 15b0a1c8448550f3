/*
Package mesona is a length-hiding tls man-in-the-middle relay.

# Structure 本项目结构

utils -> netLayer -> padding -> tlsLayer -> mesona -> config -> machine -> cmd/mesona

根项目 mesona 仅研究实际转发过程. 关于 tls 会话 与 记录层填充 的细节 请参考 tlsLayer 子包的文档,
关于填充策略 请参考 padding 子包.

mesona 用一个替身证书 终止客户端的 tls 连接, 同时向真正的服务器发起一个新的 tls 连接,
然后在两个会话之间转发明文. 每个方向上 写出的记录 都按该方向的填充策略 加上 tls1.3 记录层填充,
使得观察者无法从密文长度推断流量内容.

# Chain

具体 转发过程 的 调用链 是 Server.Start -> netLayer.LoopAccept -> Server.handle ->
客户端握手 -> Server.pair [ 确定目标 -> 拨号 -> 服务端握手 ] -> Server.relay [ 两个 pump ]

Connection 的状态只会前进: PAIRING -> RELAYING -> DRAINING -> CLOSED, 任何状态都可能进入 FAILED.
一个方向读到 EOF 后, 对另一方 CloseWrite, 另一个方向 有 drain_timeout 的时间 结束自己的转发,
超时则两个会话都被强制关闭.

使用方式可以阅读 server_test.go
*/
package mesona
